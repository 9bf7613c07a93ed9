// Command dtlog views and analyzes datatransfer protocol log files.
//
// Log files are written by dtpeer with the --protocol-log flag.
//
// Usage:
//
//	dtlog <command> [flags] <file.dtlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSONL or CSV format
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View handshake events only
//	dtlog view -layer handshake peer.dtlog
//
//	# View frames of type 5
//	dtlog view -type 5 peer.dtlog
//
//	# Keep one connection
//	dtlog filter -conn 3f1c2a9e-... -o one.dtlog peer.dtlog
//
//	# Per-connection frame counts and handshake durations
//	dtlog stats peer.dtlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sterndu/datatransfer/cmd/dtlog/commands"
)

const usage = `dtlog - datatransfer protocol log analyzer

Usage:
  dtlog <command> [flags] <file.dtlog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSONL or CSV format
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "dtlog <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// filterFlags registers the filter flags shared by view and filter.
func filterFlags(fs *flag.FlagSet) *commands.FilterOptions {
	var o commands.FilterOptions
	fs.StringVar(&o.ConnID, "conn", "", "Filter by connection ID")
	fs.StringVar(&o.Direction, "dir", "", "Filter by direction (in, out)")
	fs.StringVar(&o.Layer, "layer", "", "Filter by layer (transport, handshake, application)")
	fs.StringVar(&o.Category, "category", "", "Filter by category (message, control, state, error)")
	fs.StringVar(&o.Role, "role", "", "Filter by local role (initiator, acceptor)")
	fs.StringVar(&o.FrameType, "type", "", "Filter frame events by type (-128..127)")
	fs.StringVar(&o.TimeStart, "since", "", "Only events at or after this time (RFC3339)")
	fs.StringVar(&o.TimeEnd, "until", "", "Only events before this time (RFC3339)")
	return &o
}

func parse(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "dtlog view - View log file in human-readable format\n\nUsage:\n  dtlog view [flags] <file.dtlog>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	opts := filterFlags(fs)
	path := parse(fs, args)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "dtlog export - Export log file to JSONL or CSV format\n\nUsage:\n  dtlog export [flags] <file.dtlog>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parse(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "dtlog filter - Filter log file and write to new file\n\nUsage:\n  dtlog filter [flags] -o <out.dtlog> <file.dtlog>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	output := fs.String("o", "", "Output file (required)")
	opts := filterFlags(fs)
	path := parse(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, *output, *opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "dtlog stats - Show statistics about the log file\n\nUsage:\n  dtlog stats <file.dtlog>\n")
	}
	path := parse(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
