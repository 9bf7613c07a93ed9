package transport

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pingRecorder struct {
	mu   sync.Mutex
	seqs []uint32
	err  error
}

func (r *pingRecorder) send(seq uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	return r.err
}

func (r *pingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func newTestKeepAlive(cfg KeepAliveConfig, rec *pingRecorder, onTimeout func()) (*KeepAlive, *manualClock) {
	clock := newManualClock()
	ka := NewKeepAlive(cfg, rec.send, onTimeout)
	ka.now = clock.Now
	return ka, clock
}

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	if !config.Enabled {
		t.Error("default config should be enabled")
	}
	if config.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, DefaultPingInterval)
	}
	if config.PongTimeout != DefaultPongTimeout {
		t.Errorf("PongTimeout = %v, want %v", config.PongTimeout, DefaultPongTimeout)
	}
	if config.MaxMissedPongs != DefaultMaxMissedPongs {
		t.Errorf("MaxMissedPongs = %d, want %d", config.MaxMissedPongs, DefaultMaxMissedPongs)
	}
	if config.HistorySize != DefaultRTTHistory {
		t.Errorf("HistorySize = %d, want %d", config.HistorySize, DefaultRTTHistory)
	}

	delay := config.DetectionDelay()
	expected := 30*time.Second*3 + 5*time.Second
	if delay != expected {
		t.Errorf("DetectionDelay = %v, want %v", delay, expected)
	}

	zero := KeepAliveConfig{}.withDefaults()
	if zero.PingInterval != DefaultPingInterval || zero.HistorySize != DefaultRTTHistory {
		t.Errorf("withDefaults did not fill zero config: %+v", zero)
	}
}

func TestKeepAliveTickSendsOnInterval(t *testing.T) {
	rec := &pingRecorder{}
	ka, clock := newTestKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    100 * time.Millisecond,
		MaxMissedPongs: 3,
	}, rec, nil)

	// First tick pings immediately.
	if err := ka.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("pings = %d, want 1", rec.count())
	}

	if _, ok := ka.PongReceived(1); !ok {
		t.Fatal("pong for seq 1 not accepted")
	}

	clock.Advance(500 * time.Millisecond)
	_ = ka.Tick()
	if rec.count() != 1 {
		t.Fatalf("pinged before interval: %d", rec.count())
	}

	clock.Advance(500 * time.Millisecond)
	_ = ka.Tick()
	if rec.count() != 2 {
		t.Fatalf("pings = %d, want 2", rec.count())
	}
	if got := ka.Stats().CurrentSeq; got != 2 {
		t.Errorf("CurrentSeq = %d, want 2", got)
	}
}

func TestKeepAlivePongRTT(t *testing.T) {
	rec := &pingRecorder{}
	ka, clock := newTestKeepAlive(KeepAliveConfig{HistorySize: 2}, rec, nil)

	rtts := []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond}
	for _, want := range rtts {
		seq, err := ka.Ping()
		if err != nil {
			t.Fatalf("Ping: %v", err)
		}
		clock.Advance(want)
		got, ok := ka.PongReceived(seq)
		if !ok {
			t.Fatalf("pong %d not accepted", seq)
		}
		if got != want {
			t.Errorf("rtt = %v, want %v", got, want)
		}
	}

	stats := ka.Stats()
	if stats.Samples != 2 {
		t.Errorf("Samples = %d, want 2", stats.Samples)
	}
	if stats.LastRTT != 50*time.Millisecond {
		t.Errorf("LastRTT = %v, want 50ms", stats.LastRTT)
	}
	if stats.AverageRTT != 40*time.Millisecond {
		t.Errorf("AverageRTT = %v, want 40ms", stats.AverageRTT)
	}
}

func TestKeepAliveIgnoresStalePong(t *testing.T) {
	rec := &pingRecorder{}
	ka, _ := newTestKeepAlive(KeepAliveConfig{}, rec, nil)

	first, _ := ka.Ping()
	second, _ := ka.Ping()

	if _, ok := ka.PongReceived(first); ok {
		t.Error("pong for superseded ping was accepted")
	}
	if _, ok := ka.PongReceived(second); !ok {
		t.Error("pong for current ping was rejected")
	}
	if _, ok := ka.PongReceived(second); ok {
		t.Error("duplicate pong was accepted")
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	rec := &pingRecorder{}
	timeouts := 0
	ka, clock := newTestKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    100 * time.Millisecond,
		MaxMissedPongs: 2,
	}, rec, func() { timeouts++ })

	_ = ka.Tick() // ping 1
	clock.Advance(time.Second)
	_ = ka.Tick() // miss 1, ping 2
	if got := ka.Stats().MissedPongs; got != 1 {
		t.Fatalf("MissedPongs = %d, want 1", got)
	}

	clock.Advance(time.Second)
	err := ka.Tick()
	if !errors.Is(err, ErrKeepAliveTimeout) {
		t.Fatalf("Tick error = %v, want ErrKeepAliveTimeout", err)
	}
	if timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", timeouts)
	}

	clock.Advance(time.Second)
	_ = ka.Tick()
	if timeouts != 1 {
		t.Errorf("timeout callback ran again: %d", timeouts)
	}
}

func TestKeepAlivePongResetsMissed(t *testing.T) {
	rec := &pingRecorder{}
	ka, clock := newTestKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    100 * time.Millisecond,
		MaxMissedPongs: 3,
	}, rec, nil)

	_ = ka.Tick()
	clock.Advance(time.Second)
	_ = ka.Tick()
	if ka.Stats().MissedPongs != 1 {
		t.Fatalf("MissedPongs = %d, want 1", ka.Stats().MissedPongs)
	}
	if _, ok := ka.PongReceived(2); !ok {
		t.Fatal("pong not accepted")
	}
	if ka.Stats().MissedPongs != 0 {
		t.Errorf("MissedPongs = %d after pong, want 0", ka.Stats().MissedPongs)
	}
}

func TestKeepAliveSendError(t *testing.T) {
	rec := &pingRecorder{err: errors.New("broken pipe")}
	ka, _ := newTestKeepAlive(KeepAliveConfig{}, rec, nil)

	if err := ka.Tick(); err == nil {
		t.Fatal("expected send error")
	}
	if ka.Stats().LastPingTime.IsZero() {
		t.Error("failed ping should still count as sent")
	}
}

func TestPingPayload(t *testing.T) {
	b := encodePing(pingKindPong, 0x01020304)
	if len(b) != pingPayloadSize {
		t.Fatalf("len = %d", len(b))
	}
	kind, seq, err := decodePing(b)
	if err != nil {
		t.Fatalf("decodePing: %v", err)
	}
	if kind != pingKindPong || seq != 0x01020304 {
		t.Errorf("got kind=%d seq=%x", kind, seq)
	}

	for _, bad := range [][]byte{nil, {0}, {2, 0, 0, 0, 1}, {0, 0, 0, 0, 0, 0}} {
		if _, _, err := decodePing(bad); !errors.Is(err, ErrInvalidPing) {
			t.Errorf("decodePing(%x) error = %v, want ErrInvalidPing", bad, err)
		}
	}
}
