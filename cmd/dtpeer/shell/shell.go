// Package shell provides the interactive command line of dtpeer.
package shell

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/chzyer/readline"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/transport"
)

// Source yields the connection commands operate on.
type Source interface {
	Conn() (*transport.Conn, error)
}

// Shell runs commands against the current connection of a Source.
type Shell struct {
	src   Source
	owner *transport.Owner

	mu      sync.Mutex
	out     io.Writer
	watched map[frame.Type]bool
}

// New creates a shell writing to out.
func New(src Source, out io.Writer) *Shell {
	return &Shell{
		src:     src,
		owner:   transport.NewOwner("shell"),
		out:     out,
		watched: make(map[frame.Type]bool),
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	w := s.out
	s.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}

// Attach binds the watched types on conn. Call it for every new connection.
func (s *Shell) Attach(conn *transport.Conn) {
	s.mu.Lock()
	types := make([]frame.Type, 0, len(s.watched))
	for t := range s.watched {
		types = append(types, t)
	}
	s.mu.Unlock()

	for _, t := range types {
		if !conn.RegisterHandler(t, s.owner, s.handler(conn)) {
			s.printf("type %d is already handled by %s\n", t, conn.HandlerOwner(t))
		}
	}
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, prompt string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	s.mu.Lock()
	s.out = rl.Stdout()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	s.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		if s.Exec(line) {
			return nil
		}
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("send"),
		readline.PcItem("sendhex"),
		readline.PcItem("recv"),
		readline.PcItem("watch"),
		readline.PcItem("unwatch"),
		readline.PcItem("ping"),
		readline.PcItem("rehandshake"),
		readline.PcItem("status"),
		readline.PcItem("close"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Exec runs one command line. It reports true when the shell should exit.
func (s *Shell) Exec(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "send", "s":
		s.cmdSend(args, false)
	case "sendhex", "sx":
		s.cmdSend(args, true)
	case "recv", "r":
		s.cmdRecv()
	case "watch", "w":
		s.cmdWatch(args)
	case "unwatch":
		s.cmdUnwatch(args)
	case "ping":
		s.cmdPing()
	case "rehandshake", "rh":
		s.cmdRehandshake()
	case "status", "st":
		s.cmdStatus()
	case "close":
		s.cmdClose()
	case "quit", "exit", "q":
		s.printf("Exiting...\n")
		return true
	default:
		s.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	s.printf(`
Commands:
  send <type> <text>     - Send text as an application frame
  sendhex <type> <hex>   - Send hex-encoded bytes
  recv                   - Take the oldest queued message
  watch <type>           - Print frames of <type> as they arrive
  unwatch <type>         - Stop printing <type>; frames queue again
  ping                   - Send a keepalive ping
  rehandshake            - Renegotiate keys
  status                 - Show connection state
  close                  - Close the connection
  quit                   - Exit
`)
}

func (s *Shell) conn() *transport.Conn {
	conn, err := s.src.Conn()
	if err != nil {
		s.printf("No connection: %v\n", err)
		return nil
	}
	return conn
}

// parseType parses an application frame type.
func parseType(arg string) (frame.Type, error) {
	n, err := strconv.ParseInt(arg, 10, 8)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid frame type %q (must be 0..127)", arg)
	}
	return frame.Type(n), nil
}

func (s *Shell) cmdSend(args []string, isHex bool) {
	if len(args) < 1 {
		s.printf("Usage: send <type> <text> | sendhex <type> <hex>\n")
		return
	}
	t, err := parseType(args[0])
	if err != nil {
		s.printf("%v\n", err)
		return
	}

	var payload []byte
	if isHex {
		payload, err = hex.DecodeString(strings.Join(args[1:], ""))
		if err != nil {
			s.printf("Invalid hex: %v\n", err)
			return
		}
	} else {
		payload = []byte(strings.Join(args[1:], " "))
	}

	conn := s.conn()
	if conn == nil {
		return
	}
	switch err := conn.Send(t, payload); {
	case err == nil && !conn.Initialized():
		s.printf("Queued %d bytes as type %d (handshake pending)\n", len(payload), t)
	case err == nil:
		s.printf("Sent %d bytes as type %d\n", len(payload), t)
	case errors.Is(err, transport.ErrWriteDeferred):
		s.printf("Queued %d bytes as type %d: %v\n", len(payload), t, err)
	default:
		s.printf("Send failed: %v\n", err)
	}
}

func (s *Shell) cmdRecv() {
	conn := s.conn()
	if conn == nil {
		return
	}
	f, err := conn.NextMessage()
	if err != nil {
		s.printf("%v\n", err)
		return
	}
	s.printf("type %d: %s (%d more queued)\n", f.Type, FormatPayload(f.Payload), conn.MessageCount())
}

func (s *Shell) handler(conn *transport.Conn) transport.Handler {
	id := conn.ID()
	if len(id) > 8 {
		id = id[:8]
	}
	return func(t frame.Type, payload []byte) {
		s.printf("[%s] type %d: %s\n", id, t, FormatPayload(payload))
	}
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) != 1 {
		s.printf("Usage: watch <type>\n")
		return
	}
	t, err := parseType(args[0])
	if err != nil {
		s.printf("%v\n", err)
		return
	}
	conn := s.conn()
	if conn == nil {
		return
	}
	if !conn.RegisterHandler(t, s.owner, s.handler(conn)) {
		s.printf("Type %d is handled by %s\n", t, conn.HandlerOwner(t))
		return
	}
	s.mu.Lock()
	s.watched[t] = true
	s.mu.Unlock()
	s.printf("Watching type %d\n", t)
}

func (s *Shell) cmdUnwatch(args []string) {
	if len(args) != 1 {
		s.printf("Usage: unwatch <type>\n")
		return
	}
	t, err := parseType(args[0])
	if err != nil {
		s.printf("%v\n", err)
		return
	}
	s.mu.Lock()
	delete(s.watched, t)
	s.mu.Unlock()

	if conn, err := s.src.Conn(); err == nil {
		conn.RegisterHandler(t, s.owner, nil)
	}
	s.printf("Stopped watching type %d\n", t)
}

func (s *Shell) cmdPing() {
	conn := s.conn()
	if conn == nil {
		return
	}
	if err := conn.Ping(); err != nil {
		s.printf("Ping failed: %v\n", err)
		return
	}
	s.printf("Ping sent (seq %d)\n", conn.PingStats().CurrentSeq)
}

func (s *Shell) cmdRehandshake() {
	conn := s.conn()
	if conn == nil {
		return
	}
	if err := conn.Rehandshake(); err != nil {
		s.printf("Rehandshake failed: %v\n", err)
		return
	}
	s.printf("Rehandshake started\n")
}

func (s *Shell) cmdStatus() {
	conn := s.conn()
	if conn == nil {
		return
	}
	st := conn.PingStats()
	s.printf("Connection %s\n", conn.ID())
	s.printf("  Role:        %s\n", conn.Role())
	s.printf("  Remote:      %s\n", conn.RemoteAddr())
	s.printf("  Initialized: %t\n", conn.Initialized())
	s.printf("  Handshake:   %s\n", conn.HandshakeState())
	if v := conn.NegotiatedVersion(); v != 0 {
		s.printf("  Cipher:      %d\n", v)
	}
	s.printf("  Queued:      %d received, %d unsent\n", conn.MessageCount(), conn.DelayedCount())
	if st.Samples > 0 {
		s.printf("  RTT:         %s (avg %s over %d)\n", st.LastRTT, st.AverageRTT, st.Samples)
	}
}

func (s *Shell) cmdClose() {
	conn := s.conn()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.printf("Close: %v\n", err)
		return
	}
	s.printf("Closed %s\n", conn.ID())
}

// FormatPayload renders printable UTF-8 as a quoted string and anything
// else as hex.
func FormatPayload(p []byte) string {
	if len(p) == 0 {
		return "(empty)"
	}
	if utf8.Valid(p) && strings.IndexFunc(string(p), func(r rune) bool {
		return !unicode.IsPrint(r) && !unicode.IsSpace(r)
	}) < 0 {
		return strconv.Quote(string(p))
	}
	return "0x" + hex.EncodeToString(p)
}
