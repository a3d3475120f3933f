// Package connection owns the single persistent event channel: it connects
// with a bearer token, reads frames into a sink, and reconnects with bounded
// exponential backoff when the channel drops.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gobuild/monitor/auth"
	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNoToken      = errors.New("no token supplied")
	ErrTokenExpired = errors.New("token expired")
)

// Stream is one established channel. Read blocks until the next frame or
// until the stream fails or is closed.
type Stream interface {
	Read(ctx context.Context) (message.Envelope, error)
	Close() error
}

// Dialer opens a Stream, attaching token to the handshake.
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// Sink receives every inbound frame. events.Multiplexer satisfies it.
type Sink interface {
	Dispatch(env message.Envelope) error
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type listener struct {
	fn func(State)
}

// Manager is created once per process and shared by every observer.
//
// State listeners run synchronously, in transition order, on whichever
// goroutine caused the transition. They must not call Connect or Disconnect.
type Manager struct {
	dialer Dialer
	sink   Sink
	opts   Options

	// notifyMu serializes transitions with their notifications. Acquired
	// before mu, never while holding it.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	token      string
	generation uint64
	attempts   int
	retry      *clock.Timer
	cancel     context.CancelFunc
	stream     Stream
	listeners  map[*listener]struct{}
}

func NewManager(dialer Dialer, sink Sink, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		dialer:    dialer,
		sink:      sink,
		opts:      opts,
		listeners: make(map[*listener]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn for every future transition. The returned func
// removes it.
func (m *Manager) OnStateChange(fn func(State)) func() {
	l := &listener{fn: fn}
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, l)
		m.mu.Unlock()
	}
}

// Connect starts connecting with token in the background and returns
// immediately. An empty token behaves like Disconnect. Transport failures
// are never returned; they surface as state transitions.
func (m *Manager) Connect(token string) error {
	if token == "" {
		m.Disconnect()
		return ErrNoToken
	}
	if auth.Expired(token, m.opts.Clock.Now()) {
		m.Disconnect()
		return ErrTokenExpired
	}

	m.mu.Lock()
	if m.token == token && m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	gen := m.resetLocked()
	m.token = token
	m.attempts = 0
	m.mu.Unlock()

	m.attempt(gen)
	return nil
}

// Disconnect closes the channel, clears the token and stops any pending
// reconnect. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	gen := m.resetLocked()
	m.token = ""
	m.attempts = 0
	m.mu.Unlock()

	m.transition(gen, Disconnected)
}

// resetLocked invalidates every goroutine and timer from the previous
// generation and returns the new one.
func (m *Manager) resetLocked() uint64 {
	m.generation++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	return m.generation
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) attempt(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	token := m.token
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if !m.transition(gen, Connecting) {
		return
	}
	go m.run(ctx, gen, token)
}

func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	stream, err := m.dialer.Dial(dialCtx, token)
	cancel()
	if err != nil {
		m.opts.Logger.Warn("channel handshake failed", "error", err)
		m.dropped(gen)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		stream.Close()
		return
	}
	m.stream = stream
	m.attempts = 0
	m.mu.Unlock()

	if !m.transition(gen, Connected) {
		return
	}
	m.opts.Logger.Info("channel connected")

	for {
		env, err := stream.Read(ctx)
		if err != nil {
			if m.current(gen) {
				m.opts.Logger.Warn("channel dropped", "error", err)
			}
			break
		}
		if !m.current(gen) {
			return
		}
		m.sink.Dispatch(env)
	}

	m.mu.Lock()
	if gen == m.generation && m.stream == stream {
		m.stream = nil
	}
	m.mu.Unlock()
	stream.Close()
	m.dropped(gen)
}

// dropped moves to Disconnected and schedules the next attempt if the retry
// budget and the token allow it.
func (m *Manager) dropped(gen uint64) {
	if !m.transition(gen, Disconnected) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.opts.Logger.Warn("giving up reconnecting until a new token is supplied", "attempts", m.attempts)
		return
	}
	if auth.Expired(m.token, m.opts.Clock.Now()) {
		m.opts.Logger.Warn("token expired, not reconnecting")
		return
	}
	m.attempts++
	delay := m.backoff(m.attempts)
	m.opts.Logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.retry = m.opts.Clock.AfterFunc(delay, func() { m.attempt(gen) })
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.MaxDelay {
			return m.opts.MaxDelay
		}
	}
	return delay
}

// transition applies s if gen is still current and notifies listeners. It
// reports false when gen is stale.
func (m *Manager) transition(gen uint64, s State) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	if m.state == s {
		m.mu.Unlock()
		return true
	}
	m.state = s
	fns := make([]func(State), 0, len(m.listeners))
	for l := range m.listeners {
		fns = append(fns, l.fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true
}

// PendingRetry reports whether a reconnect timer is armed.
func (m *Manager) PendingRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry != nil
}
