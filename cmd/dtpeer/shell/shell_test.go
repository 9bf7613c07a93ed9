package shell

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sterndu/datatransfer/pkg/frame"
	"github.com/sterndu/datatransfer/pkg/stream"
	"github.com/sterndu/datatransfer/pkg/transport"
)

type fixed struct{ conn *transport.Conn }

func (f fixed) Conn() (*transport.Conn, error) {
	if f.conn == nil {
		return nil, errors.New("not connected")
	}
	return f.conn, nil
}

// syncBuffer is a bytes.Buffer safe for handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func pair(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	cfg := transport.Config{TickInterval: time.Millisecond}

	left, err := transport.NewConn(stream.Wrap(a), transport.RoleInitiator, cfg)
	require.NoError(t, err)
	right, err := transport.NewConn(stream.Wrap(b), transport.RoleAcceptor, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestSendAndRecv(t *testing.T) {
	left, right := pair(t)
	var out syncBuffer
	sender := New(fixed{left}, &out)
	receiver := New(fixed{right}, &out)

	assert.False(t, sender.Exec("send 5 hello world"))
	assert.Contains(t, out.String(), "Sent 11 bytes as type 5")

	require.Eventually(t, right.HasMessage, 2*time.Second, 5*time.Millisecond)
	receiver.Exec("recv")
	assert.Contains(t, out.String(), `type 5: "hello world" (0 more queued)`)

	receiver.Exec("recv")
	assert.Contains(t, out.String(), transport.ErrNoMessage.Error())
}

func TestSendHex(t *testing.T) {
	left, right := pair(t)
	var out syncBuffer
	New(fixed{left}, &out).Exec("sendhex 7 01ff")

	require.Eventually(t, right.HasMessage, 2*time.Second, 5*time.Millisecond)
	f, err := right.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff}, f.Payload)
}

func TestWatchAndAttach(t *testing.T) {
	left, right := pair(t)
	var out syncBuffer
	sh := New(fixed{right}, &out)

	sh.Exec("watch 9")
	assert.Contains(t, out.String(), "Watching type 9")
	assert.Equal(t, "shell", right.HandlerOwner(9).String())

	require.NoError(t, left.Send(9, []byte("ping?")))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `type 9: "ping?"`)
	}, 2*time.Second, 5*time.Millisecond)

	// A second connection gets the same watches.
	_, other := pair(t)
	sh.Attach(other)
	assert.Equal(t, "shell", other.HandlerOwner(9).String())

	sh.Exec("unwatch 9")
	assert.Nil(t, right.HandlerOwner(9))
}

func TestWatchConflict(t *testing.T) {
	_, right := pair(t)
	require.True(t, right.RegisterHandler(4, transport.NewOwner("app"), func(frame.Type, []byte) {}))

	var out syncBuffer
	New(fixed{right}, &out).Exec("watch 4")
	assert.Contains(t, out.String(), "Type 4 is handled by app")
}

func TestBadInput(t *testing.T) {
	var out syncBuffer
	sh := New(fixed{}, &out)

	sh.Exec("send -1 x")
	assert.Contains(t, out.String(), `invalid frame type "-1"`)
	sh.Exec("sendhex 1 zz")
	assert.Contains(t, out.String(), "Invalid hex")
	sh.Exec("status")
	assert.Contains(t, out.String(), "No connection: not connected")
	sh.Exec("bogus")
	assert.Contains(t, out.String(), "Unknown command: bogus")
	assert.False(t, sh.Exec("   "))
	assert.True(t, sh.Exec("quit"))
}

func TestStatusAndClose(t *testing.T) {
	left, _ := pair(t)
	var out syncBuffer
	sh := New(fixed{left}, &out)

	sh.Exec("status")
	assert.Contains(t, out.String(), "Connection "+left.ID())
	assert.Contains(t, out.String(), "Initialized: true")

	sh.Exec("close")
	assert.True(t, left.Closed())
	assert.Contains(t, out.String(), "Closed "+left.ID())
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, "(empty)", FormatPayload(nil))
	assert.Equal(t, `"hi there\n"`, FormatPayload([]byte("hi there\n")))
	assert.Equal(t, "0x0102", FormatPayload([]byte{1, 2}))
}
