package commands

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/sterndu/datatransfer/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	ControlMessages   map[log.ControlMsgType]int
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Role       log.Role
	RemoteAddr string

	FramesIn  int
	FramesOut int
	BytesIn   int
	BytesOut  int

	// Handshakes are the durations of completed handshakes, in order.
	Handshakes []time.Duration

	// CipherVersion is the last negotiated cipher version.
	CipherVersion uint16

	CloseReason string
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		ControlMessages:   make(map[log.ControlMsgType]int),
		Connections:       make(map[string]*ConnectionStats),
	}
}

// add folds one event into the statistics.
func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if conn.Role == log.RoleUnknown {
		conn.Role = event.LocalRole
	}
	if conn.RemoteAddr == "" {
		conn.RemoteAddr = event.RemoteAddr
	}

	switch {
	case event.Frame != nil:
		if event.Direction == log.DirectionIn {
			conn.FramesIn++
			conn.BytesIn += event.Frame.Size
		} else {
			conn.FramesOut++
			conn.BytesOut += event.Frame.Size
		}
	case event.Handshake != nil:
		if event.Handshake.Step == log.HandshakeStepComplete {
			conn.Handshakes = append(conn.Handshakes, event.Handshake.Duration)
			conn.CipherVersion = event.Handshake.Version
		}
	case event.ControlMsg != nil:
		s.ControlMessages[event.ControlMsg.Type]++
	case event.StateChange != nil:
		sc := event.StateChange
		if sc.Entity == log.StateEntityConnection && sc.NewState == "CLOSED" {
			conn.CloseReason = sc.Reason
		}
	case event.Error != nil:
		s.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Datatransfer Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerHandshake, log.LayerApplication} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-15s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-15s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-15s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.ControlMessages) > 0 {
		fmt.Fprintln(w, "Control Messages:")
		types := make([]log.ControlMsgType, 0, len(stats.ControlMessages))
		for t := range stats.ControlMessages {
			types = append(types, t)
		}
		slices.Sort(types)
		for _, t := range types {
			fmt.Fprintf(w, "  %-15s %d\n", t.String()+":", stats.ControlMessages[t])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			cs := c.stats
			duration := cs.LastSeen.Sub(cs.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s %d events, duration %s\n", shortenConnID(c.id), cs.Role, cs.Events, duration)
			if cs.RemoteAddr != "" {
				fmt.Fprintf(w, "           Remote: %s\n", cs.RemoteAddr)
			}
			fmt.Fprintf(w, "           Frames: %d in (%d bytes), %d out (%d bytes)\n",
				cs.FramesIn, cs.BytesIn, cs.FramesOut, cs.BytesOut)
			for i, d := range cs.Handshakes {
				fmt.Fprintf(w, "           Handshake %d: %s\n", i+1, formatDuration(d))
			}
			if cs.CipherVersion != 0 {
				fmt.Fprintf(w, "           Cipher: %d\n", cs.CipherVersion)
			}
			if cs.CloseReason != "" {
				fmt.Fprintf(w, "           Closed: %s\n", cs.CloseReason)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
