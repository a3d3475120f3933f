package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gobuild/monitor/auth"
	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeStream struct {
	frames chan message.Envelope
	done   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan message.Envelope, 16), done: make(chan struct{})}
}

func (s *fakeStream) Read(ctx context.Context) (message.Envelope, error) {
	select {
	case env := <-s.frames:
		return env, nil
	case <-s.done:
		return message.Envelope{}, io.EOF
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	dials   int
	tokens  []string
	streams []*fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	frames []message.Envelope
}

func (s *recordingSink) Dispatch(env message.Envelope) error {
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(d *fakeDialer, sink Sink, c *clock.FakeClock, attempts int) *Manager {
	return NewManager(d, sink, Options{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Clock:       c,
	})
}

func TestConnectWithoutTokenMakesNoAttempt(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &recordingSink{}, clock.Fake(epoch), 3)

	if err := m.Connect(""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect error = %v, want ErrNoToken", err)
	}
	if d.dialCount() != 0 {
		t.Fatalf("dials = %d, want 0", d.dialCount())
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
}

func TestConnectRejectsExpiredToken(t *testing.T) {
	token, err := auth.Mint([]byte("secret"), "user-1", "dev@example.com", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	d := &fakeDialer{}
	c := clock.Fake(time.Now().Add(time.Hour))
	m := newTestManager(d, &recordingSink{}, c, 3)

	if err := m.Connect(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Connect error = %v, want ErrTokenExpired", err)
	}
	if d.dialCount() != 0 {
		t.Fatalf("dials = %d, want 0", d.dialCount())
	}
}

func TestConnectBroadcastsTransitionsAndForwardsFrames(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	m := newTestManager(d, sink, clock.Fake(epoch), 3)

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect("opaque-token"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "connected", func() bool { return m.State() == Connected })

	d.lastStream().frames <- message.Envelope{Event: message.TopicSystem}
	eventually(t, "frame dispatch", func() bool { return sink.count() == 1 })

	if d.tokens[0] != "opaque-token" {
		t.Fatalf("dialer received token %q", d.tokens[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != Connecting || states[1] != Connected {
		t.Fatalf("states = %v, want [connecting connected]", states)
	}
}

func TestDropSchedulesReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := clock.Fake(epoch)
	m := newTestManager(d, &recordingSink{}, c, 3)

	m.Connect("opaque-token")
	eventually(t, "connected", func() bool { return m.State() == Connected })

	d.lastStream().Close()
	eventually(t, "retry scheduled", m.PendingRetry)
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}

	c.Advance(time.Second)
	eventually(t, "reconnected", func() bool { return d.dialCount() == 2 && m.State() == Connected })
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := clock.Fake(epoch)
	m := newTestManager(d, &recordingSink{}, c, 3)

	m.Connect("opaque-token")
	for attempt := 1; attempt <= 3; attempt++ {
		eventually(t, "retry scheduled", m.PendingRetry)
		c.Advance(4 * time.Second)
		want := attempt + 1
		eventually(t, "dial", func() bool { return d.dialCount() == want })
	}

	eventually(t, "disconnected", func() bool { return m.State() == Disconnected })
	time.Sleep(10 * time.Millisecond)
	if m.PendingRetry() {
		t.Fatal("expected no retry after the budget is spent")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestDisconnectClearsRetryTimer(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := clock.Fake(epoch)
	m := newTestManager(d, &recordingSink{}, c, 5)

	m.Connect("opaque-token")
	eventually(t, "retry scheduled", m.PendingRetry)

	m.Disconnect()
	if m.PendingRetry() {
		t.Fatal("expected Disconnect to clear the retry timer")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", c.PendingCount())
	}
	c.Advance(time.Minute)
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}
}

func TestTokenRemovalForcesDisconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &recordingSink{}, clock.Fake(epoch), 3)

	m.Connect("opaque-token")
	eventually(t, "connected", func() bool { return m.State() == Connected })

	m.Connect("")
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
	time.Sleep(10 * time.Millisecond)
	if m.PendingRetry() {
		t.Fatal("expected no reconnect after token removal")
	}
}

func TestOnStateChangeCancel(t *testing.T) {
	m := newTestManager(&fakeDialer{}, &recordingSink{}, clock.Fake(epoch), 3)
	calls := 0
	cancel := m.OnStateChange(func(State) { calls++ })
	cancel()

	m.Connect("opaque-token")
	eventually(t, "connected", func() bool { return m.State() == Connected })
	if calls != 0 {
		t.Fatalf("cancelled listener called %d times", calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	m := newTestManager(&fakeDialer{}, &recordingSink{}, clock.Fake(epoch), 10)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
