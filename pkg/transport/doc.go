// Package transport implements datatransfer connections: typed, hashed
// frames over a byte stream with optional encryption negotiated in-band.
//
// # Layers
//
//	┌──────────────────────────────────────┐
//	│   application handlers / queue       │  RegisterHandler, NextMessage
//	├──────────────────────────────────────┤
//	│   cipher (AEAD, negotiated version)  │  application types only
//	├──────────────────────────────────────┤
//	│   frame: type | len | payload | hash │  pkg/frame
//	├──────────────────────────────────────┤
//	│   Stream (TCP, websocket, ...)       │
//	└──────────────────────────────────────┘
//
// # Driving a connection
//
// A Conn does no work on its own beyond reading frames off the stream into
// a one-frame buffer. A Scheduler calls Conn.Tick, which dispatches at most
// one inbound frame and writes at most one frame from the delayed-send
// queue. A Server shares one scheduler between its connections; a
// connection whose config names no scheduler runs its own.
//
// # Secure connections
//
// With Config.Secure set, the initiator sends a handshake offer as soon as
// the connection is created. Application sends are queued until the cipher
// is installed, then drained in submission order. A handshake that makes no
// progress for Config.HandshakeTimeout closes the connection.
package transport
