package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/vnetio/usertcp/pkg/header"
	"github.com/vnetio/usertcp/pkg/seqnum"
)

// closer is satisfied by pkg/tun.Device; the packet loop only needs
// Recv/Send to run, but Device is closed here too so shutdown tears
// down the file descriptor in one place.
type closer interface {
	Close() error
}

// Device is the reduced TUN collaborator the packet loop needs: one
// blocking read, one write. pkg/tun.Device satisfies it.
type Device interface {
	FrameSender
	Recv(buf []byte) (int, error)
}

const pollInterval = 10 * time.Millisecond

// packetLoop is Component E: it owns the TUN device exclusively, runs
// a dedicated goroutine that alternates between dispatching inbound
// segments and driving on_tick, and is supervised by a dgroup so a
// panic converts to an error instead of vanishing (spec.md §5, §7).
type packetLoop struct {
	dev     Device
	manager *ConnectionManager
	cancel  context.CancelFunc
	group   *dgroup.Group
}

// NewInterface opens a packet loop against dev and starts it running
// under ctx. The returned Interface is ready for Bind calls.
func NewInterface(ctx context.Context, dev Device, metrics *Metrics, issSource func() uint32) *Interface {
	manager := NewConnectionManager(dev, metrics, func() seqnum.Value { return seqnum.Value(issSource()) })
	loopCtx, cancel := context.WithCancel(ctx)
	group := dgroup.NewGroup(loopCtx, dgroup.GroupConfig{})
	pl := &packetLoop{dev: dev, manager: manager, cancel: cancel, group: group}

	group.Go("packet-loop", pl.run)

	return &Interface{manager: manager, loop: pl}
}

// stop cancels the loop, wakes every façade waiter via the manager's
// shutdown broadcast, joins the supervising group so a packet-loop
// panic surfaces as a returned error instead of vanishing, and closes
// the TUN device. Errors from the group join and the device close are
// aggregated rather than letting the second silently mask the first
// (spec.md §7, "Multiple shutdown-path errors").
func (pl *packetLoop) stop(ctx context.Context) error {
	pl.cancel()
	pl.manager.Shutdown()

	// Close the device first: songgao/water has no read-deadline
	// primitive, so the reader goroutine's blocking Recv() only
	// unblocks once the underlying file descriptor is closed out from
	// under it, which is also what lets pl.run observe readErrs and
	// return instead of group.Wait() hanging forever.
	var result *multierror.Error
	if c, ok := pl.dev.(closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := pl.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// run implements spec.md §4.D "Packet loop": a reader goroutine feeds
// frames into a channel so the main select can alternate between
// dispatch and the ~10ms tick, standing in for a poll(2)-with-timeout
// on the character device.
func (pl *packetLoop) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
		}
	}()

	frames := make(chan []byte, 64)
	readErrs := make(chan error, 1)
	hardCtx := dcontext.HardContext(ctx)

	go func() {
		buf := make([]byte, header.MaxFrameLen)
		for {
			n, err := pl.dev.Recv(buf)
			if err != nil {
				select {
				case readErrs <- err:
				default:
				}
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case frames <- frame:
			case <-hardCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrs:
			return err
		case frame := <-frames:
			seg, err := header.Decode(frame)
			if err != nil {
				dlog.Debugf(ctx, "!! TUN malformed frame dropped: %v", err)
				continue
			}
			if err := pl.manager.HandleSegment(ctx, seg); err != nil {
				dlog.Errorf(ctx, "!! TUN segment handling error: %v", err)
			}
		case <-ticker.C:
			if err := pl.manager.Tick(ctx); err != nil {
				dlog.Errorf(ctx, "!! TUN tick error: %v", err)
			}
		}
	}
}
