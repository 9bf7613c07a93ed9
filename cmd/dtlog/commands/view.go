// Package commands implements the dtlog CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/log"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format(timeFormat)
	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n",
		ts, shortenConnID(event.ConnectionID), event.Direction.String(), layerStr, eventLabel(event))

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Handshake != nil:
		formatHandshakeDetails(w, event.Handshake)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		formatControlDetails(w, event.ControlMsg)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// eventLabel names the payload of an event.
func eventLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame " + frame.Type(event.Frame.Type).String()
	case event.Handshake != nil:
		return "Handshake " + event.Handshake.Step.String()
	case event.StateChange != nil:
		return "State"
	case event.ControlMsg != nil:
		return event.ControlMsg.Type.String()
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, f *log.FrameEvent) {
	fmt.Fprintf(w, "  Type: %d  Size: %d bytes\n", f.Type, f.Size)
	if len(f.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(f.Data))
		if f.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatHandshakeDetails(w io.Writer, hs *log.HandshakeEvent) {
	if len(hs.Versions) > 0 {
		strs := make([]string, len(hs.Versions))
		for i, v := range hs.Versions {
			strs[i] = strconv.Itoa(int(v))
		}
		fmt.Fprintf(w, "  Ciphers: %s\n", strings.Join(strs, ","))
	}
	if hs.Version != 0 {
		fmt.Fprintf(w, "  Selected: %d\n", hs.Version)
	}
	if hs.Duration > 0 {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(hs.Duration))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatControlDetails(w io.Writer, c *log.ControlMsgEvent) {
	if c.Type == log.ControlMsgPing || c.Type == log.ControlMsgPong {
		fmt.Fprintf(w, "  Seq: %d\n", c.Seq)
	}
	if c.RTT > 0 {
		fmt.Fprintf(w, "  RTT: %s\n", formatDuration(c.RTT))
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// RunView prints the events of path that match filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
