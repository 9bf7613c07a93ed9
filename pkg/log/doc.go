// Package log provides the protocol event trace for datatransfer connections.
//
// It is separate from operational logging (slog): every frame written or read,
// every control message, handshake step and connection state change can be
// captured as an Event and recorded for later analysis with the dtlog tool.
//
// # Basic Usage
//
//	// Console output during development
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary trace file
//	fl, _ := log.NewFileLogger("/var/log/datatransfer/peer.dtlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Trace files are a sequence of CBOR-encoded events with integer map keys.
package log
