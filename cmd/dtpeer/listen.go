package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sterndu/datatransfer/cmd/dtpeer/shell"
	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/discovery"
	"github.com/sterndu/datatransfer/pkg/handshake"
	"github.com/sterndu/datatransfer/pkg/stream"
	"github.com/sterndu/datatransfer/pkg/transport"
)

type listenOptions struct {
	wsPath    string
	advertise bool
	instance  string
	noShell   bool
}

func listenCmd(opts *options) *cobra.Command {
	var lo listenOptions

	cmd := &cobra.Command{
		Use:   "listen [address]",
		Short: "Accept connections and open a shell on the most recent one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts, &lo, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&lo.wsPath, "ws", "", "Accept websocket streams on this path of the HTTP server")
	f.BoolVar(&lo.advertise, "advertise", false, "Announce the listener over mDNS")
	f.StringVar(&lo.instance, "instance", "", "mDNS instance name")
	f.BoolVar(&lo.noShell, "no-shell", false, "Run without the interactive shell until interrupted")
	return cmd
}

// latest tracks the most recently accepted open connection.
type latest struct {
	mu    sync.Mutex
	conns []*transport.Conn
}

func (l *latest) add(c *transport.Conn) {
	l.mu.Lock()
	l.conns = append(l.conns, c)
	l.mu.Unlock()
}

func (l *latest) remove(c *transport.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.conns {
		if x == c {
			l.conns = append(l.conns[:i], l.conns[i+1:]...)
			return
		}
	}
}

func (l *latest) Conn() (*transport.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.conns) - 1; i >= 0; i-- {
		if !l.conns[i].Closed() {
			return l.conns[i], nil
		}
	}
	return nil, fmt.Errorf("no open connection")
}

func runListen(cmd *cobra.Command, opts *options, lo *listenOptions, args []string) error {
	env, err := setup(cmd, opts)
	if err != nil {
		return err
	}
	defer env.Close()

	cfg := env.cfg
	if len(args) == 1 {
		cfg.Listen = args[0]
	}
	if cmd.Flags().Changed("ws") {
		cfg.WebSocket.Path = lo.wsPath
	}
	if cmd.Flags().Changed("advertise") {
		cfg.Discovery.Advertise = lo.advertise
	}
	if lo.instance != "" {
		cfg.Discovery.Instance = lo.instance
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := &latest{}
	sh := shell.New(conns, os.Stdout)

	srv, err := transport.NewServer(transport.ServerConfig{
		Address: cfg.Listen,
		Conn:    env.transportConfig(),
		OnConnect: func(c *transport.Conn) {
			conns.add(c)
			sh.Attach(c)
			env.logger.Info("peer connected", "conn", c.ID(), "remote", c.RemoteAddr())
		},
		OnDisconnect: func(c *transport.Conn) {
			conns.remove(c)
			env.logger.Info("peer disconnected", "conn", c.ID())
		},
		OnError: func(err error) {
			env.logger.Warn("accept failed", "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
	env.logger.Info("listening", "addr", srv.Addr().String(), "secure", cfg.Secure)

	if path := cfg.WebSocket.Path; path != "" {
		if cfg.Metrics.Address == "" {
			return fmt.Errorf("--ws requires --metrics-addr")
		}
		env.router.Handle(path, stream.NewUpgrader(stream.UpgraderConfig{
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			OnError: func(err error) {
				env.logger.Warn("websocket upgrade failed", "error", err)
			},
		}, func(ws *stream.WebSocket) {
			if _, err := srv.Accept(ws); err != nil {
				env.logger.Warn("websocket accept failed", "error", err)
			}
		}))
	}
	if err := env.serveHTTP(); err != nil {
		return err
	}

	if cfg.Discovery.Advertise {
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
			Interface: cfg.Discovery.Interface,
			TTL:       cfg.Discovery.TTL,
		}, env.logger)
		defer adv.StopAll()

		info, err := peerInfo(cfg.Discovery.Instance, srv.Addr(), cfg.Secure, cfg.Ciphers, cfg.WebSocket.Path)
		if err != nil {
			return err
		}
		if err := adv.Advertise(ctx, info); err != nil {
			return err
		}
	}

	if lo.noShell {
		<-ctx.Done()
		return nil
	}
	return sh.Run(ctx, "dtpeer> ")
}

// peerInfo describes the listener for mDNS.
func peerInfo(instance string, addr net.Addr, secure bool, versions []uint16, wsPath string) (discovery.PeerInfo, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return discovery.PeerInfo{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return discovery.PeerInfo{}, err
	}
	if len(versions) == 0 {
		versions = cipher.DefaultRegistry().Versions()
	}
	return discovery.PeerInfo{
		Instance:       instance,
		Port:           uint16(port),
		ProtocolMajor:  handshake.ProtocolMajor,
		ProtocolMinor:  handshake.ProtocolMinor,
		Secure:         secure,
		CipherVersions: versions,
		WSPath:         wsPath,
		ID:             uuid.NewString(),
	}, nil
}
