package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gobuild/monitor/api"
	"gobuild/monitor/buildstate"
	"gobuild/monitor/events"
	"gobuild/monitor/logs"
	"gobuild/monitor/polling"
	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// BuildView is the detail view of one build: its state, its logs, the
// polling fallback and the elapsed-time ticker.
type BuildView struct {
	tracker *buildstate.Tracker
	logs    *logs.Buffer
	poller  *polling.Poller
	mux     *events.Multiplexer
	logger  *slog.Logger

	statusRef *events.Ref
	stepRef   *events.Ref
	logsRef   *events.Ref
	offChange   func()
	offConn     func()
	releaseLogs func()

	changes chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	ticker    *clock.Ticker
	initErr   error
	closeOnce sync.Once
}

// WatchBuild subscribes to buildID and loads its current state. A build the
// service does not know returns api.ErrBuildNotFound; other fetch errors
// leave the view open to be filled by events or polling.
func (m *Monitor) WatchBuild(ctx context.Context, buildID string) (*BuildView, error) {
	logger := m.opts.Logger.With("build_id", buildID)
	buf, releaseLogs := m.agg.Watch(buildID)
	v := &BuildView{
		tracker:     buildstate.NewTracker(buildID, m.client, m.opts.Clock, m.opts.Logger),
		logs:        buf,
		mux:         m.mux,
		logger:      logger,
		releaseLogs: releaseLogs,
		changes:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	v.statusRef = events.Subscribe(m.mux, events.BuildStatus, v.tracker.HandleStatus)
	v.stepRef = events.Subscribe(m.mux, events.BuildStep, v.tracker.HandleStep)
	// The monitor's aggregator has already appended the chunk.
	v.logsRef = events.Subscribe(m.mux, events.BuildLogs, func(ev message.BuildLogsEvent) error {
		if ev.BuildID == buildID {
			signal(v.changes)
		}
		return nil
	})

	v.poller = polling.New(func(ctx context.Context) error {
		b, err := m.client.FetchBuild(ctx, buildID)
		if err != nil {
			return err
		}
		return v.tracker.Load(b)
	}, v.tracker.Terminal, m.pollOptions())

	v.offChange = v.tracker.OnChange(func(b model.Build) {
		v.poller.Evaluate()
		if b.Status.Terminal() {
			v.stopTicker()
		}
		signal(v.changes)
	})

	b, err := m.client.FetchBuild(ctx, buildID)
	switch {
	case errors.Is(err, api.ErrBuildNotFound):
		v.Close()
		return nil, err
	case err != nil:
		logger.Warn("initial build fetch failed", "error", err)
		v.mu.Lock()
		v.initErr = err
		v.mu.Unlock()
	default:
		v.tracker.Load(b)
	}

	v.startTicker(m.opts.Clock, m.opts.ElapsedTick)
	v.offConn = m.followConnection(v.poller)
	return v, nil
}

// startTicker runs the elapsed ticker unless the build already finished.
func (v *BuildView) startTicker(c clock.Clock, every time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tracker.Terminal() {
		return
	}
	t := c.NewTicker(every)
	v.ticker = t
	go func() {
		for {
			select {
			case <-t.C:
				signal(v.changes)
			case <-v.done:
				return
			}
		}
	}()
}

func (v *BuildView) stopTicker() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ticker != nil {
		v.ticker.Stop()
		v.ticker = nil
	}
}

func (v *BuildView) BuildID() string { return v.tracker.BuildID() }

func (v *BuildView) Build() (model.Build, bool) { return v.tracker.Build() }

func (v *BuildView) Progress() int { return v.tracker.Progress() }

func (v *BuildView) Elapsed() time.Duration { return v.tracker.Elapsed() }

func (v *BuildView) Logs() *logs.Buffer { return v.logs }

// Polling reports whether the HTTP fallback is currently scheduled.
func (v *BuildView) Polling() bool { return v.poller.Active() }

// Ticking reports whether the elapsed-time ticker is running.
func (v *BuildView) Ticking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ticker != nil
}

// FetchError is the most recent failure to load the build over HTTP, from
// the initial fetch or a poll. A later successful poll clears it.
func (v *BuildView) FetchError() error {
	if v.poller.Fetches() > 0 {
		return v.poller.LastError()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initErr
}

// Changes receives a value whenever something on screen may have changed.
// Bursts collapse into one pending value.
func (v *BuildView) Changes() <-chan struct{} { return v.changes }

func (v *BuildView) Cancel(ctx context.Context) error {
	return v.tracker.Cancel(ctx)
}

// Restart returns the id of the new build. The view keeps following the old
// one.
func (v *BuildView) Restart(ctx context.Context) (string, error) {
	return v.tracker.Restart(ctx)
}

// Close releases every subscription, listener and timer the view holds. Safe
// to call more than once.
func (v *BuildView) Close() {
	v.closeOnce.Do(func() {
		events.Unsubscribe(v.mux, events.BuildStatus, v.statusRef)
		events.Unsubscribe(v.mux, events.BuildStep, v.stepRef)
		events.Unsubscribe(v.mux, events.BuildLogs, v.logsRef)
		if v.offChange != nil {
			v.offChange()
		}
		if v.offConn != nil {
			v.offConn()
		}
		v.poller.Close()
		v.stopTicker()
		v.releaseLogs()
		close(v.done)
	})
}
