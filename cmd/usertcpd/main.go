// Command usertcpd opens a TUN device and serves the user-space TCP
// stack over it: Component H of SPEC_FULL.md, wiring the core packages
// under pkg/tcp to a runnable process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"

	"github.com/vnetio/usertcp/pkg/tcp"
	"github.com/vnetio/usertcp/pkg/tun"
)

// config holds the process's environment-derived defaults (SPEC_FULL.md
// §10). Flags set on the cobra command below take precedence over
// these when explicitly passed.
type config struct {
	TunName     string `env:"USERTCP_TUN_NAME,default=tun0"`
	LocalCIDR   string `env:"USERTCP_LOCAL_CIDR,default=10.0.0.1/24"`
	ListenPort  uint16 `env:"USERTCP_LISTEN_PORT,default=80"`
	MetricsAddr string `env:"USERTCP_METRICS_ADDR,default="`
}

func main() {
	root := &cobra.Command{
		Use:           "usertcpd",
		Short:         "Terminate TCP over a TUN device in user space",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := root.Flags()
	flags.String("tun-name", "", "TUN interface name (overrides USERTCP_TUN_NAME)")
	flags.String("local-cidr", "", "local IPv4 address/prefix to assign to the interface")
	flags.Uint16("listen-port", 0, "TCP port to bind and accept connections on")
	flags.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return errors.Wrap(err, "usertcpd: load config")
	}
	applyFlagOverrides(cmd, &cfg)

	dev, err := tun.Open(cfg.TunName)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "usertcpd: opened TUN device %s", dev.Name())

	if err := addressInterface(dev.Name(), cfg.LocalCIDR); err != nil {
		dlog.Errorf(ctx, "usertcpd: interface addressing skipped: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := tcp.NewMetrics(reg)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	issSource := tcp.DefaultISSSource()
	iface := tcp.NewInterface(ctx, dev, metrics, func() uint32 { return uint32(issSource()) })

	listener, ok := iface.Bind(cfg.ListenPort)
	if !ok {
		return fmt.Errorf("usertcpd: port %d already bound", cfg.ListenPort)
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go("metrics", func(ctx context.Context) error {
			dlog.Infof(ctx, "usertcpd: metrics listening on %s", cfg.MetricsAddr)
			errs := make(chan error, 1)
			go func() { errs <- srv.ListenAndServe() }()
			select {
			case <-ctx.Done():
				return srv.Close()
			case err := <-errs:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		})
	}

	g.Go("accept-loop", func(ctx context.Context) error {
		return acceptLoop(ctx, listener)
	})

	g.Go("shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		return iface.Close(ctx)
	})

	return g.Wait()
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("tun-name"); v != "" {
		cfg.TunName = v
	}
	if v, _ := flags.GetString("local-cidr"); v != "" {
		cfg.LocalCIDR = v
	}
	if v, _ := flags.GetUint16("listen-port"); v != 0 {
		cfg.ListenPort = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
}

// addressInterface brings the TUN link up and assigns it a local IPv4
// address, so the demo is runnable without a separate `ip addr`/`ip
// link` invocation (SPEC_FULL.md §6, CLI convenience only).
func addressInterface(name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "lookup link %q", name)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return errors.Wrapf(err, "parse address %q", cidr)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return errors.Wrapf(err, "assign address %s to %q", cidr, name)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "bring up %q", name)
	}
	return nil
}

func acceptLoop(ctx context.Context, listener *tcp.Listener) error {
	for {
		stream, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serve(ctx, stream)
	}
}

// serve is a minimal demo handler: it echoes everything it reads back
// to the peer until the connection's receive side closes. A real
// deployment would hand stream off to application code instead.
func serve(ctx context.Context, stream *tcp.Stream) {
	buf := make([]byte, 2048)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			dlog.Errorf(ctx, "usertcpd: stream read: %v", err)
			return
		}
		if n == 0 {
			_ = stream.Close(ctx)
			return
		}
		if _, err := stream.Write(ctx, buf[:n]); err != nil {
			dlog.Errorf(ctx, "usertcpd: stream write: %v", err)
			return
		}
	}
}
