// Package tun wraps a TUN character device as the three operations
// the core stack needs: construct, Recv, Send. Nothing outside this
// package imports github.com/songgao/water directly.
package tun

import (
	"github.com/pkg/errors"
	"github.com/songgao/water"
)

// MaxFrameLen is the size of a full-size IPv4 datagram on a 1500-byte
// MTU link. Recv does not enforce it: each read returns at most
// len(buf) bytes of the buffer its caller passes, and Open does not
// configure the device's MTU.
const MaxFrameLen = 1500

// Device is a point-to-point IPv4 TUN interface in IFF_TUN|IFF_NO_PI
// mode: every Recv/Send call carries a raw IPv4 frame, with no
// per-packet protocol-family header prepended.
type Device struct {
	iface *water.Interface
	name  string
}

// Open creates (or attaches to, if it already exists) a TUN interface
// named name. An empty name lets the OS choose one, which Name()
// reports afterwards.
func Open(name string) (*Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "tun: open %q", name)
	}
	return &Device{iface: iface, name: iface.Name()}, nil
}

// Name is the kernel-assigned interface name (e.g. "tun0").
func (d *Device) Name() string {
	return d.name
}

// Recv performs one blocking read, returning the number of bytes
// placed in buf.
func (d *Device) Recv(buf []byte) (int, error) {
	n, err := d.iface.Read(buf)
	if err != nil {
		return n, errors.Wrap(err, "tun: recv")
	}
	return n, nil
}

// Send writes buf[:n] as a single frame.
func (d *Device) Send(buf []byte, n int) (int, error) {
	wrote, err := d.iface.Write(buf[:n])
	if err != nil {
		return wrote, errors.Wrap(err, "tun: send")
	}
	return wrote, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return errors.Wrap(d.iface.Close(), "tun: close")
}
