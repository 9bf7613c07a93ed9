package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sterndu/datatransfer/cmd/dtpeer/shell"
	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/connection"
	"github.com/sterndu/datatransfer/pkg/discovery"
	"github.com/sterndu/datatransfer/pkg/stream"
	"github.com/sterndu/datatransfer/pkg/transport"
)

const mdnsPrefix = "mdns:"

func connectCmd(opts *options) *cobra.Command {
	var reconnect bool

	cmd := &cobra.Command{
		Use:   "connect <address|ws://url|mdns:instance>",
		Short: "Connect to a peer and open a shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer env.Close()
			if cmd.Flags().Changed("reconnect") {
				env.cfg.Reconnect.Enabled = reconnect
			}
			return runConnect(cmd.Context(), env, args[0])
		},
	}
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "Re-dial with backoff when the connection ends")
	return cmd
}

func runConnect(parent context.Context, env *env, target string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := env.serveHTTP(); err != nil {
		return err
	}

	tcfg := env.transportConfig()
	dial, err := dialer(ctx, env, target, tcfg)
	if err != nil {
		return err
	}

	var sh *shell.Shell
	mgr, err := connection.NewManager(connection.ManagerConfig{
		Dial:             dial,
		Backoff:          env.cfg.BackoffConfig(),
		DialTimeout:      tcfg.DialTimeout,
		DisableReconnect: !env.cfg.Reconnect.Enabled,
		OnConnected: func(c *transport.Conn) {
			if sh != nil {
				sh.Attach(c)
			}
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		},
		Logger: env.logger,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	sh = shell.New(mgr, os.Stdout)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	conn, _ := mgr.Conn()
	if conn != nil {
		fmt.Fprintf(os.Stdout, "Connected to %s (%s)\n", target, conn.ID())
	}
	return sh.Run(ctx, "dtpeer> ")
}

// dialer resolves target into a dial function. mDNS targets are looked up
// once; the resolved address is reused for reconnects.
func dialer(ctx context.Context, env *env, target string, cfg transport.Config) (connection.DialFunc, error) {
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return func(ctx context.Context) (*transport.Conn, error) {
			ws, err := stream.DialWebSocket(ctx, target, nil)
			if err != nil {
				return nil, err
			}
			return transport.NewConn(ws, transport.RoleInitiator, cfg)
		}, nil

	case strings.HasPrefix(target, mdnsPrefix):
		browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{
			Interface: env.cfg.Discovery.Interface,
		}, env.logger)
		svc, err := browser.Find(ctx, strings.TrimPrefix(target, mdnsPrefix))
		if err != nil {
			return nil, err
		}
		versions := cfg.CipherVersions
		if len(versions) == 0 {
			versions = cipher.DefaultRegistry().Versions()
		}
		if !svc.Supports(versions) {
			return nil, fmt.Errorf("%s offers no common cipher version", svc.InstanceName)
		}
		if svc.Info.Secure != cfg.Secure {
			return nil, fmt.Errorf("%s has secure=%t, local secure=%t", svc.InstanceName, svc.Info.Secure, cfg.Secure)
		}
		addr, err := discovery.DialAddress(svc)
		if err != nil {
			return nil, err
		}
		env.logger.Info("resolved peer", "instance", svc.InstanceName, "addr", addr)
		return tcpDialer(addr, cfg), nil

	default:
		return tcpDialer(target, cfg), nil
	}
}

func tcpDialer(addr string, cfg transport.Config) connection.DialFunc {
	return func(ctx context.Context) (*transport.Conn, error) {
		return transport.Dial(ctx, addr, cfg)
	}
}
