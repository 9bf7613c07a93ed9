package transport

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sterndu/datatransfer/pkg/frame"
)

func TestRegisterHandlerOwnership(t *testing.T) {
	_, acc := connPair(t, testConfig(false), testConfig(false))

	alice, bob := NewOwner("alice"), NewOwner("bob")
	noop := func(frame.Type, []byte) {}

	assert.True(t, acc.RegisterHandler(5, alice, noop))
	assert.True(t, acc.RegisterHandler(5, alice, noop), "owner may replace its own handler")
	assert.False(t, acc.RegisterHandler(5, bob, noop))
	assert.Same(t, alice, acc.HandlerOwner(5))

	// Same name, different identity.
	assert.False(t, acc.RegisterHandler(5, NewOwner("alice"), noop))

	assert.False(t, acc.RegisterHandler(5, bob, nil), "only the owner may deregister")
	assert.True(t, acc.RegisterHandler(5, alice, nil))
	assert.Nil(t, acc.HandlerOwner(5))
	assert.True(t, acc.RegisterHandler(5, bob, noop))

	assert.False(t, acc.RegisterHandler(6, nil, noop))
}

func TestTransportOwnsControlTypes(t *testing.T) {
	ini, _ := connPair(t, testConfig(true), testConfig(true))
	someone := NewOwner("app")

	for _, typ := range []frame.Type{frame.TypeClose, frame.TypeResendRequest, frame.TypePing, frame.TypeHandshakeOffer, frame.TypeHandshakeAccept} {
		assert.False(t, ini.RegisterHandler(typ, someone, func(frame.Type, []byte) {}), "type %s", typ)
		require.NotNil(t, ini.HandlerOwner(typ))
		assert.Equal(t, "transport", ini.HandlerOwner(typ).String())
	}
}

func TestRegisterHandlerDeliversQueuedFrames(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))

	for _, p := range []string{"1", "2"} {
		require.NoError(t, ini.Send(5, []byte(p)))
	}
	require.NoError(t, ini.Send(6, []byte("other")))
	require.NoError(t, ini.Send(5, []byte("3")))
	require.Eventually(t, func() bool { return acc.MessageCount() == 4 }, waitFor, pollInt)

	var got handlerLog
	require.True(t, acc.RegisterHandler(5, NewOwner("app"), got.handle))

	// Queued frames are delivered before RegisterHandler returns.
	assert.Equal(t, []string{"1", "2", "3"}, got.payloads())
	assert.Equal(t, 1, acc.MessageCount())

	f, err := acc.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, frame.Type(6), f.Type)

	require.NoError(t, ini.Send(5, []byte("4")))
	require.Eventually(t, func() bool { return got.len() == 4 }, waitFor, pollInt)
	assert.Equal(t, []string{"1", "2", "3", "4"}, got.payloads())
	assert.False(t, acc.HasMessage())
}

func TestDeregisteredTypeQueuesAgain(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))
	owner := NewOwner("app")

	var got handlerLog
	require.True(t, acc.RegisterHandler(8, owner, got.handle))
	require.NoError(t, ini.Send(8, []byte("a")))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, pollInt)

	require.True(t, acc.RegisterHandler(8, owner, nil))
	require.NoError(t, ini.Send(8, []byte("b")))
	require.Eventually(t, acc.HasMessage, waitFor, pollInt)
	assert.Equal(t, 1, got.len())
}

func TestHandlerMaySendAndRegister(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))
	owner := NewOwner("echo")

	require.True(t, acc.RegisterHandler(1, owner, func(_ frame.Type, p []byte) {
		_ = acc.Send(2, append([]byte("echo:"), p...))
		acc.RegisterHandler(1, owner, nil)
	}))

	require.NoError(t, ini.Send(1, []byte("hi")))
	require.Eventually(t, ini.HasMessage, waitFor, pollInt)
	f, err := ini.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), f.Payload)
	assert.Nil(t, acc.HandlerOwner(1))
}

func TestHandlerPanicIsContained(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))

	var got handlerLog
	require.True(t, acc.RegisterHandler(1, NewOwner("bad"), func(frame.Type, []byte) { panic("boom") }))
	require.True(t, acc.RegisterHandler(2, NewOwner("good"), got.handle))

	require.NoError(t, ini.Send(1, nil))
	require.NoError(t, ini.Send(2, []byte("after")))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, pollInt)
	assert.False(t, acc.Closed())
}

func TestOwnerString(t *testing.T) {
	assert.Equal(t, "app", NewOwner("app").String())
	var o *Owner
	assert.Equal(t, "<nil>", o.String())
}

func backlogLen(c *Conn, t frame.Type) int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return len(c.backlog[t])
}

func TestLateFrameWaitsForQueuedDelivery(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))

	require.NoError(t, ini.Send(5, []byte("a")))
	require.NoError(t, ini.Send(5, []byte("b")))
	require.Eventually(t, func() bool { return acc.MessageCount() == 2 }, waitFor, pollInt)

	var (
		got        handlerLog
		running    atomic.Int32
		overlap    atomic.Bool
		inFirst    = make(chan struct{})
		release    = make(chan struct{})
		registered = make(chan bool, 1)
	)
	handler := func(typ frame.Type, p []byte) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		if string(p) == "a" {
			close(inFirst)
			<-release
		}
		got.handle(typ, p)
	}
	go func() { registered <- acc.RegisterHandler(5, NewOwner("app"), handler) }()
	<-inFirst

	// Arrives while "a" is still being handled.
	require.NoError(t, ini.Send(5, []byte("c")))
	require.Eventually(t, func() bool { return backlogLen(acc, 5) == 1 }, waitFor, pollInt)
	assert.Zero(t, got.len())
	close(release)

	require.True(t, <-registered)
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, pollInt)
	assert.Equal(t, []string{"a", "b", "c"}, got.payloads())
	assert.False(t, overlap.Load(), "handler ran concurrently with itself")
	assert.False(t, acc.HasMessage())

	require.NoError(t, ini.Send(5, []byte("d")))
	require.Eventually(t, func() bool { return got.len() == 4 }, waitFor, pollInt)
}

func TestDeregisterDuringQueuedDelivery(t *testing.T) {
	ini, acc := connPair(t, testConfig(false), testConfig(false))
	owner := NewOwner("app")

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, ini.Send(5, []byte(p)))
	}
	require.Eventually(t, func() bool { return acc.MessageCount() == 3 }, waitFor, pollInt)

	var got handlerLog
	require.True(t, acc.RegisterHandler(5, owner, func(typ frame.Type, p []byte) {
		got.handle(typ, p)
		acc.RegisterHandler(5, owner, nil)
	}))

	assert.Equal(t, []string{"a"}, got.payloads())
	require.Equal(t, 2, acc.MessageCount())
	f, err := acc.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), f.Payload)
}

func TestUnhandledControlFramesAreDropped(t *testing.T) {
	a, b := tcpPair(t)
	acc, err := NewConn(a, RoleAcceptor, testConfig(false))
	require.NoError(t, err)
	defer acc.Close()
	peer := newRawPeer(b)

	peer.send(t, frame.Frame{Type: frame.TypeHandshakeOffer, Payload: []byte{0x01}})
	peer.send(t, frame.Frame{Type: frame.TypeCipherList, Payload: []byte{0x00, 0x01}})
	peer.send(t, frame.Frame{Type: 5, Payload: []byte("app")})

	require.Eventually(t, acc.HasMessage, waitFor, pollInt)
	assert.Equal(t, 1, acc.MessageCount())
	f, err := acc.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, frame.Type(5), f.Type)
	assert.False(t, acc.Closed())

	assert.False(t, acc.RegisterHandler(frame.TypeCipherList, NewOwner("app"), func(frame.Type, []byte) {}))
	assert.Nil(t, acc.HandlerOwner(frame.TypeCipherList))
}
