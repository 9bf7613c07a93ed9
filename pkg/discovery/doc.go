// Package discovery advertises and finds datatransfer peers with
// mDNS/DNS-SD.
//
// Peers listening for connections register the service type
// _datatransfer._tcp. The instance name is chosen by the peer; TXT records
// describe how to connect:
//
//	v        protocol version, "<major>.<minor>"
//	sec      "1" when the listener requires the secure handshake
//	ciphers  comma-separated cipher versions, ascending (secure only)
//	ws       websocket path when the peer also accepts websocket streams
//	id       optional stable peer identifier
//
// A browser aggregates announcements of the same instance arriving over
// several interfaces into one Service with all addresses.
package discovery
