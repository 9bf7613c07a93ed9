// Command dtpeer is a datatransfer peer for manual testing.
//
// Usage:
//
//	dtpeer listen [addr]          accept connections (TCP, optional websocket)
//	dtpeer connect <addr|ws://url|mdns:instance>
//	dtpeer browse                 list peers announced over mDNS
//
// Examples:
//
//	# Listen with websocket endpoint, metrics and mDNS announcement
//	dtpeer listen --metrics-addr :9361 --ws /dt --advertise --instance bench
//
//	# Connect and keep reconnecting
//	dtpeer connect --reconnect 127.0.0.1:9360
//
//	# Record a protocol trace for dtlog
//	dtpeer connect --protocol-log peer.dtlog 127.0.0.1:9360
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "dtpeer",
		Short:         "Secure framed message transport peer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(
		listenCmd(&opts),
		connectCmd(&opts),
		browseCmd(&opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
