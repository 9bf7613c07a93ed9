// Package connection keeps a transport connection alive.
//
// A Manager dials a *transport.Conn, watches it and re-dials with
// exponential backoff once it closes:
//
//	delay = base + random(0, base * jitter)
//	base  = 1s, 2s, 4s ... capped at 60s, reset after a successful dial
//
// Handlers are bound per connection. OnConnected runs for every new
// connection before it is published, so callers re-register their handlers
// there.
package connection
