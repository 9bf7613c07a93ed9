// Package config loads dtpeer configuration files.
//
// Files are YAML. Durations are written as Go duration strings ("15s",
// "500ms"); omitted fields keep their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sterndu/datatransfer/pkg/cipher"
	"github.com/sterndu/datatransfer/pkg/connection"
	"github.com/sterndu/datatransfer/pkg/discovery"
	"github.com/sterndu/datatransfer/pkg/transport"
)

// File is the dtpeer configuration file.
type File struct {
	Listen    string          `yaml:"listen"`
	Secure    bool            `yaml:"secure"`
	Ciphers   []uint16        `yaml:"ciphers,omitempty"`
	Transport TransportConfig `yaml:"transport"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// TransportConfig holds connection limits and timeouts.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxPayloadSize   uint32        `yaml:"max_payload_size"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	InboundBuffer    int           `yaml:"inbound_buffer"`
}

type KeepAliveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
}

// LogConfig selects operational and protocol logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// ProtocolLog is a CBOR protocol trace file (optional).
	ProtocolLog string `yaml:"protocol_log"`
}

type MetricsConfig struct {
	// Address serves /metrics when set.
	Address string `yaml:"address"`
}

type WebSocketConfig struct {
	// Path accepts websocket streams on the metrics HTTP server when set.
	Path string `yaml:"path"`

	MaxMessageSize int64 `yaml:"max_message_size"`
}

type DiscoveryConfig struct {
	Advertise bool          `yaml:"advertise"`
	Instance  string        `yaml:"instance"`
	Interface string        `yaml:"interface"`
	TTL       time.Duration `yaml:"ttl"`
}

type ReconnectConfig struct {
	Enabled bool          `yaml:"enabled"`
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Jitter  float64       `yaml:"jitter"`
}

// LoadError describes a configuration file that could not be used.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Default returns the built-in configuration.
func Default() File {
	ka := transport.DefaultKeepAliveConfig()
	backoff := connection.DefaultBackoffConfig()
	return File{
		Listen: fmt.Sprintf(":%d", transport.DefaultPort),
		Secure: true,
		Transport: TransportConfig{
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			ReadTimeout:      transport.DefaultReadTimeout,
			DialTimeout:      transport.DefaultDialTimeout,
			InboundBuffer:    transport.DefaultInboundBuffer,
		},
		KeepAlive: KeepAliveConfig{
			Enabled:        ka.Enabled,
			PingInterval:   ka.PingInterval,
			PongTimeout:    ka.PongTimeout,
			MaxMissedPongs: ka.MaxMissedPongs,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Reconnect: ReconnectConfig{
			Initial: backoff.Initial,
			Max:     backoff.Max,
			Jitter:  backoff.Jitter,
		},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := f.Validate(); err != nil {
		return nil, &LoadError{Message: "invalid configuration", Cause: err}
	}
	return &f, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	f, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}
	return f, nil
}

// Validate checks values that have no usable default.
func (f *File) Validate() error {
	if _, err := ParseLevel(f.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(f.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", f.Log.Format)
	}
	if f.Secure && len(f.Ciphers) > 0 {
		if _, err := cipher.DefaultRegistry().Subset(f.Ciphers); err != nil {
			return fmt.Errorf("ciphers: %w", err)
		}
	}
	if f.Discovery.Advertise {
		if err := discovery.ValidateInstanceName(f.Discovery.Instance); err != nil {
			return fmt.Errorf("discovery.instance: %w", err)
		}
	}
	if f.Reconnect.Jitter < 0 || f.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter: %v not in [0, 1]", f.Reconnect.Jitter)
	}
	if f.WebSocket.Path != "" && !strings.HasPrefix(f.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path: %q must start with /", f.WebSocket.Path)
	}
	return nil
}

// TransportConfig returns the connection configuration. Loggers, metrics
// and schedulers are left for the caller to attach.
func (f *File) TransportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Secure = f.Secure
	cfg.CipherVersions = f.Ciphers
	cfg.HandshakeTimeout = f.Transport.HandshakeTimeout
	cfg.ReadTimeout = f.Transport.ReadTimeout
	cfg.DialTimeout = f.Transport.DialTimeout
	cfg.TickInterval = f.Transport.TickInterval
	cfg.InboundBuffer = f.Transport.InboundBuffer
	if f.Transport.MaxPayloadSize > 0 {
		cfg.MaxPayloadSize = f.Transport.MaxPayloadSize
	}
	cfg.KeepAlive = transport.KeepAliveConfig{
		Enabled:        f.KeepAlive.Enabled,
		PingInterval:   f.KeepAlive.PingInterval,
		PongTimeout:    f.KeepAlive.PongTimeout,
		MaxMissedPongs: f.KeepAlive.MaxMissedPongs,
	}
	return cfg
}

// BackoffConfig returns the reconnect backoff parameters.
func (f *File) BackoffConfig() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial: f.Reconnect.Initial,
		Max:     f.Reconnect.Max,
		Jitter:  f.Reconnect.Jitter,
	}
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
	}
}

// NewLogger builds the operational logger described by the log section.
func (f *File) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(f.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(f.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
