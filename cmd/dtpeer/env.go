package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sterndu/datatransfer/internal/config"
	"github.com/sterndu/datatransfer/pkg/log"
	"github.com/sterndu/datatransfer/pkg/metrics"
	"github.com/sterndu/datatransfer/pkg/transport"
)

// options are the persistent flags of the root command.
type options struct {
	configPath  string
	logLevel    string
	logFormat   string
	protocolLog string
	metricsAddr string
	insecure    bool
	ciphers     []uint
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "", "Log format (text, json)")
	f.StringVar(&o.protocolLog, "protocol-log", "", "Write a CBOR protocol trace to this file")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	f.BoolVar(&o.insecure, "insecure", false, "Disable the handshake and encryption")
	f.UintSliceVar(&o.ciphers, "ciphers", nil, "Restrict cipher versions (e.g. 2,3)")
}

// load reads the configuration file and applies flag overrides.
func (o *options) load(cmd *cobra.Command) (*config.File, error) {
	cfg := config.Default()
	if o.configPath != "" {
		f, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = *f
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("protocol-log") {
		cfg.Log.ProtocolLog = o.protocolLog
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address = o.metricsAddr
	}
	if flags.Changed("insecure") {
		cfg.Secure = !o.insecure
	}
	if flags.Changed("ciphers") {
		cfg.Ciphers = cfg.Ciphers[:0]
		for _, v := range o.ciphers {
			cfg.Ciphers = append(cfg.Ciphers, uint16(v))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// env holds what every subcommand shares: loggers, metrics and the HTTP
// router serving /metrics and the websocket endpoint.
type env struct {
	cfg      *config.File
	logger   *slog.Logger
	plog     log.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	router   chi.Router

	closers []io.Closer
	http    *http.Server
}

func newEnv(cfg *config.File) (*env, error) {
	e := &env{
		cfg:      cfg,
		logger:   cfg.NewLogger(os.Stderr),
		registry: prometheus.NewRegistry(),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(metrics.WithRegistry(e.registry))

	if cfg.Log.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.Log.ProtocolLog)
		if err != nil {
			return nil, fmt.Errorf("protocol log: %w", err)
		}
		e.closers = append(e.closers, fl)
		e.plog = log.NewMultiLogger(fl, log.NewSlogAdapter(e.logger).WithLevel(slog.LevelDebug))
	} else {
		e.plog = log.NewSlogAdapter(e.logger).WithLevel(slog.LevelDebug)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	e.router = r
	return e, nil
}

// transportConfig returns the connection configuration with loggers and
// metrics attached.
func (e *env) transportConfig() transport.Config {
	cfg := e.cfg.TransportConfig()
	cfg.Logger = e.logger
	cfg.ProtocolLogger = e.plog
	cfg.Metrics = e.metrics
	return cfg
}

// serveHTTP starts the HTTP server when an address is configured.
func (e *env) serveHTTP() error {
	addr := e.cfg.Metrics.Address
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	e.http = &http.Server{
		Handler:           e.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := e.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http server failed", "error", err)
		}
	}()
	e.logger.Info("http listening", "addr", ln.Addr().String())
	return nil
}

func (e *env) Close() {
	if e.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.http.Shutdown(ctx)
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
}

// setup loads configuration and builds the shared environment.
func setup(cmd *cobra.Command, opts *options) (*env, error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	return newEnv(cfg)
}
