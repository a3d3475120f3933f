// Package monitor wires the channel, the multiplexer, build tracking, logs,
// polling and notifications into views the terminal UI can hold.
//
// A Monitor is created once per process and shared. Each view it hands out
// owns its subscriptions and timers and releases all of them on Close.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"gobuild/monitor/buildstate"
	"gobuild/monitor/connection"
	"gobuild/monitor/events"
	"gobuild/monitor/logs"
	"gobuild/monitor/notifications"
	"gobuild/monitor/polling"
	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/model"
)

// BuildAPI is the subset of the build service the views call.
type BuildAPI interface {
	buildstate.BuildControl
	FetchBuild(ctx context.Context, buildID string) (model.Build, error)
	FetchBuilds(ctx context.Context, projectID string) ([]model.Build, error)
}

// Connection is the channel state the views follow. *connection.Manager
// satisfies it.
type Connection interface {
	State() connection.State
	OnStateChange(fn func(connection.State)) func()
}

type Options struct {
	PollInterval time.Duration
	// ElapsedTick is how often a running build view refreshes its elapsed
	// time.
	ElapsedTick time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = polling.DefaultInterval
	}
	if o.ElapsedTick <= 0 {
		o.ElapsedTick = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Monitor struct {
	conn   Connection
	mux    *events.Multiplexer
	store  *notifications.Store
	client BuildAPI
	opts   Options

	// agg holds the logs of every watched build. It is subscribed before any
	// view, so a view's change signal always follows the append.
	agg     *logs.Aggregator
	logsRef *events.Ref
	unbind  func()
}

// New binds store to the multiplexer for the lifetime of the Monitor.
func New(conn Connection, mux *events.Multiplexer, store *notifications.Store, client BuildAPI, opts Options) *Monitor {
	opts.setDefaults()
	agg := logs.NewAggregator()
	return &Monitor{
		conn:    conn,
		mux:     mux,
		store:   store,
		client:  client,
		opts:    opts,
		agg:     agg,
		logsRef: events.Subscribe(mux, events.BuildLogs, agg.HandleLogs),
		unbind:  notifications.Bind(mux, store),
	}
}

func (m *Monitor) Notifications() *notifications.Store { return m.store }

func (m *Monitor) Connected() bool {
	return m.conn.State() == connection.Connected
}

func (m *Monitor) Close() {
	events.Unsubscribe(m.mux, events.BuildLogs, m.logsRef)
	m.unbind()
}

func (m *Monitor) pollOptions() polling.Options {
	return polling.Options{
		Interval: m.opts.PollInterval,
		Clock:    m.opts.Clock,
		Logger:   m.opts.Logger,
	}
}

// followConnection feeds the channel state into p now and on every change.
func (m *Monitor) followConnection(p *polling.Poller) func() {
	cancel := m.conn.OnStateChange(func(s connection.State) {
		p.SetConnected(s == connection.Connected)
	})
	p.SetConnected(m.Connected())
	return cancel
}

// signal does a non-blocking send so a slow reader only ever sees one
// pending change.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
