package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sterndu/datatransfer/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dtlog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

var ts = time.Date(2026, 3, 2, 10, 15, 32, 123456000, time.UTC)

func sessionEvents() []log.Event {
	return []log.Event{
		{
			Timestamp: ts, ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			RemoteAddr: "10.0.0.2:9360", Layer: log.LayerTransport, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, NewState: "OPEN"},
		},
		{
			Timestamp: ts.Add(time.Millisecond), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Direction: log.DirectionOut, Layer: log.LayerHandshake, Category: log.CategoryMessage,
			Handshake: &log.HandshakeEvent{Step: log.HandshakeStepOffer, Versions: []uint16{1, 2, 3}},
		},
		{
			Timestamp: ts.Add(3 * time.Millisecond), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Layer: log.LayerHandshake, Category: log.CategoryState,
			Handshake: &log.HandshakeEvent{Step: log.HandshakeStepComplete, Version: 3, Duration: 2 * time.Millisecond},
		},
		{
			Timestamp: ts.Add(4 * time.Millisecond), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Direction: log.DirectionOut, Layer: log.LayerTransport, Category: log.CategoryMessage,
			Frame: &log.FrameEvent{Type: 5, Size: 67, Data: []byte{0x01, 0x02}},
		},
		{
			Timestamp: ts.Add(5 * time.Millisecond), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Direction: log.DirectionIn, Layer: log.LayerTransport, Category: log.CategoryMessage,
			Frame: &log.FrameEvent{Type: -126, Size: 42},
		},
		{
			Timestamp: ts.Add(5 * time.Millisecond), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Direction: log.DirectionIn, Layer: log.LayerTransport, Category: log.CategoryControl,
			ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgPong, Seq: 1, RTT: 800 * time.Microsecond},
		},
		{
			Timestamp: ts.Add(6 * time.Millisecond), ConnectionID: "conn-bbbb-2222", LocalRole: log.RoleAcceptor,
			Layer: log.LayerApplication, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerApplication, Message: "handler panic", Context: "type 7"},
		},
		{
			Timestamp: ts.Add(time.Second), ConnectionID: "conn-aaaa-1111", LocalRole: log.RoleInitiator,
			Layer: log.LayerTransport, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "OPEN", NewState: "CLOSED", Reason: "local close"},
		},
	}
}

func TestRunView(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"2026-03-02T10:15:32.123456Z [conn:conn-aaa] OUT HANDSHAKE Handshake OFFER",
		"Ciphers: 1,2,3",
		"Selected: 3",
		"Frame 5",
		"Data: 0102",
		"Frame PING",
		"CTRL PONG",
		"RTT: 800.000us",
		"Message: handler panic",
		"OPEN -> CLOSED",
		"Reason: local close",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRunViewFiltered(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	filter, err := FilterOptions{Layer: "handshake"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var buf bytes.Buffer
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	if n := strings.Count(buf.String(), "[conn:"); n != 2 {
		t.Errorf("got %d events, want 2\n%s", n, buf.String())
	}
}

func TestFilterOptionsBuild(t *testing.T) {
	f, err := FilterOptions{
		ConnID:    "abc",
		Direction: "IN",
		Category:  "control",
		Role:      "acceptor",
		FrameType: "-126",
		TimeStart: "2026-03-02T10:00:00Z",
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if f.ConnectionID != "abc" || *f.Direction != log.DirectionIn || *f.Category != log.CategoryControl {
		t.Errorf("unexpected filter %+v", f)
	}
	if *f.Role != log.RoleAcceptor || *f.FrameType != -126 || f.TimeStart == nil {
		t.Errorf("unexpected filter %+v", f)
	}

	bad := []FilterOptions{
		{Direction: "sideways"},
		{Layer: "wire"},
		{Category: "snapshot"},
		{Role: "server"},
		{FrameType: "200"},
		{TimeEnd: "yesterday"},
	}
	for _, o := range bad {
		if _, err := o.Build(); err == nil {
			t.Errorf("Build(%+v) succeeded, want error", o)
		}
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "out.dtlog")

	n, err := RunFilter(path, out, FilterOptions{ConnID: "conn-bbbb-2222"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 1 {
		t.Errorf("filtered %d events, want 1", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
	events, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 1 || events[0].Error == nil {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRunExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(sessionEvents()) {
		t.Fatalf("got %d lines, want %d", len(lines), len(sessionEvents()))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if first["ConnectionID"] != "conn-aaaa-1111" {
		t.Errorf("ConnectionID = %v", first["ConnectionID"])
	}
}

func TestRunExportCSV(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != len(sessionEvents())+1 {
		t.Fatalf("got %d rows, want %d", len(rows), len(sessionEvents())+1)
	}
	frameRow := rows[4]
	if frameRow[6] != "Frame 5" || frameRow[7] != "5" || frameRow[8] != "67" {
		t.Errorf("unexpected frame row %v", frameRow)
	}
	if frameRow[5] != "INITIATOR" {
		t.Errorf("role = %q, want INITIATOR", frameRow[5])
	}
}

func TestRunExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Total Events: 8",
		"HANDSHAKE:",
		"APPLICATION:",
		"PONG:",
		"Connections: 2",
		"[conn-aaa] INITIATOR 7 events",
		"Remote: 10.0.0.2:9360",
		"Frames: 1 in (42 bytes), 1 out (67 bytes)",
		"Handshake 1: 2.000ms",
		"Cipher: 3",
		"Closed: local close",
		"Errors: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRunMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.dtlog")
	if err := RunStats(missing, &bytes.Buffer{}); err == nil {
		t.Error("RunStats: expected error")
	}
	if err := RunView(missing, log.Filter{}, &bytes.Buffer{}); err == nil {
		t.Error("RunView: expected error")
	}
}
