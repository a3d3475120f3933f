// Package polling refreshes a build over HTTP while the event channel can't.
//
// A Poller runs only while the channel is disconnected and the observed build
// is not terminal. It never issues overlapping fetches, and Close always
// leaves no timer behind.
package polling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gobuild/monitor/shared/clock"
)

const DefaultInterval = 5 * time.Second

// Fetch refreshes the observed build. Errors are logged and polling
// continues on the next interval.
type Fetch func(ctx context.Context) error

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Poller struct {
	fetch    Fetch
	terminal func() bool
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Bool
	fetches  atomic.Int64

	mu        sync.Mutex
	connected bool
	closed    bool
	timer     *clock.Timer
	// gen invalidates ticks scheduled before the last stop.
	gen     uint64
	lastErr error
}

// New returns a stopped poller. terminal reports whether the observed build
// has finished; nil means never.
func New(fetch Fetch, terminal func() bool, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if terminal == nil {
		terminal = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetch:    fetch,
		terminal: terminal,
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConnected feeds the channel state in. Becoming connected stops the
// timer immediately; becoming disconnected starts it if the build is still
// running.
func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
	p.Evaluate()
}

// Evaluate starts or stops the timer to match the current conditions. Call
// it whenever the build changes.
func (p *Poller) Evaluate() {
	terminal := p.terminal()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.connected || terminal {
		p.stopLocked()
		return
	}
	if p.timer == nil {
		p.scheduleLocked()
	}
}

// Active reports whether a poll is scheduled.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Fetches is the number of fetches issued so far.
func (p *Poller) Fetches() int64 { return p.fetches.Load() }

// LastError is the error of the most recent failed fetch, cleared by the
// next successful one.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops polling for good and cancels a fetch in progress.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopLocked()
	p.mu.Unlock()
	p.cancel()
}

func (p *Poller) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

func (p *Poller) scheduleLocked() {
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	err := p.run()

	p.mu.Lock()
	if gen == p.gen {
		p.lastErr = err
	}
	p.mu.Unlock()

	// The fetch may have brought the build to a terminal state.
	p.Evaluate()
}

// run issues one fetch unless one is already in flight.
func (p *Poller) run() (err error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll skipped, previous fetch still in flight")
		return nil
	}
	defer p.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panic: %v", r)
			p.logger.Error("poll fetch panicked", "panic", r)
		}
	}()

	p.fetches.Add(1)
	if err := p.fetch(p.ctx); err != nil {
		p.logger.Warn("poll fetch failed", "error", err)
		return err
	}
	return nil
}
