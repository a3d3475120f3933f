package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gobuild/monitor/api"
	"gobuild/monitor/connection"
	"gobuild/monitor/events"
	"gobuild/monitor/notifications"
	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	mu        sync.Mutex
	state     connection.State
	listeners map[*func(connection.State)]struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{listeners: make(map[*func(connection.State)]struct{})}
}

func (c *fakeConn) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnStateChange(fn func(connection.State)) func() {
	key := &fn
	c.mu.Lock()
	c.listeners[key] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, key)
		c.mu.Unlock()
	}
}

func (c *fakeConn) set(s connection.State) {
	c.mu.Lock()
	c.state = s
	var fns []func(connection.State)
	for fn := range c.listeners {
		fns = append(fns, *fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *fakeConn) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

type fakeAPI struct {
	mu       sync.Mutex
	builds   map[string]model.Build
	projects map[string][]string
	fetches  int
	fetchErr error
}

func newFakeAPI(builds ...model.Build) *fakeAPI {
	a := &fakeAPI{builds: make(map[string]model.Build), projects: make(map[string][]string)}
	for _, b := range builds {
		a.builds[b.ID] = b
		a.projects[b.ProjectID] = append(a.projects[b.ProjectID], b.ID)
	}
	return a
}

func (a *fakeAPI) set(b model.Build) {
	a.mu.Lock()
	a.builds[b.ID] = b
	a.mu.Unlock()
}

func (a *fakeAPI) FetchBuild(ctx context.Context, id string) (model.Build, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.fetchErr != nil {
		return model.Build{}, a.fetchErr
	}
	b, ok := a.builds[id]
	if !ok {
		return model.Build{}, fmt.Errorf("%w: %s", api.ErrBuildNotFound, id)
	}
	return b.Clone(), nil
}

func (a *fakeAPI) FetchBuilds(ctx context.Context, projectID string) ([]model.Build, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	var out []model.Build
	for _, id := range a.projects[projectID] {
		out = append(out, a.builds[id].Clone())
	}
	return out, nil
}

func (a *fakeAPI) failFetches(err error) {
	a.mu.Lock()
	a.fetchErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) CancelBuild(ctx context.Context, id string) error { return nil }

func (a *fakeAPI) RestartBuild(ctx context.Context, id string) (model.Build, error) {
	return model.Build{ID: id + "-2", Status: model.BuildQueued}, nil
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

type fixture struct {
	clock *clock.FakeClock
	conn  *fakeConn
	api   *fakeAPI
	mux   *events.Multiplexer
	mon   *Monitor
}

func newFixture(t *testing.T, builds ...model.Build) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.Fake(epoch),
		conn:  newFakeConn(),
		api:   newFakeAPI(builds...),
		mux:   events.New(nil),
	}
	store := notifications.NewStore(notifications.NewMemoryRepository(), notifications.Options{Clock: f.clock})
	f.mon = New(f.conn, f.mux, store, f.api, Options{Clock: f.clock})
	t.Cleanup(f.mon.Close)
	return f
}

func running(id string) model.Build {
	started := epoch
	return model.Build{
		ID:        id,
		ProjectID: "p1",
		Status:    model.BuildRunning,
		StartedAt: &started,
		Steps: []model.Step{
			{ID: "s1", Status: model.StepSuccess},
			{ID: "s2", Status: model.StepRunning},
		},
	}
}

func TestWatchBuildFollowsEvents(t *testing.T) {
	f := newFixture(t, running("b1"))
	f.conn.set(connection.Connected)

	v, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	defer v.Close()

	if v.Progress() != 75 {
		t.Fatalf("progress = %d, want 75", v.Progress())
	}

	events.Publish(f.mux, message.BuildLogsEvent{BuildID: "b1", Logs: "INFO compiling"})
	events.Publish(f.mux, message.BuildLogsEvent{BuildID: "b2", Logs: "not mine"})
	events.Publish(f.mux, message.BuildStepEvent{BuildID: "b1", StepID: "s2", Status: model.StepSuccess})
	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b1", Status: model.BuildSuccess})

	b, _ := v.Build()
	if b.Status != model.BuildSuccess || v.Progress() != 100 {
		t.Fatalf("status = %s, progress = %d", b.Status, v.Progress())
	}
	if got := v.Logs().Chunks(); len(got) != 1 || got[0] != "INFO compiling" {
		t.Fatalf("logs = %v", got)
	}
	if v.Ticking() {
		t.Fatal("elapsed ticker still running for a finished build")
	}

	n := f.mon.Notifications().List()
	if len(n) != 1 || n[0].Type != model.NotificationBuildSuccess {
		t.Fatalf("notifications = %+v", n)
	}
}

func TestBuildViewCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, running("b1"))
	base := map[string]int{}
	for _, topic := range []string{message.TopicBuildStatus, message.TopicBuildStep, message.TopicBuildLogs} {
		base[topic] = f.mux.HandlerCount(topic)
	}

	v, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	if !v.Polling() || !v.Ticking() {
		t.Fatalf("expected polling and ticker while disconnected: polling=%v ticking=%v", v.Polling(), v.Ticking())
	}

	v.Close()
	v.Close()

	for topic, want := range base {
		if got := f.mux.HandlerCount(topic); got != want {
			t.Fatalf("%s handlers = %d, want %d", topic, got, want)
		}
	}
	if f.conn.listenerCount() != 0 {
		t.Fatalf("connection listeners = %d", f.conn.listenerCount())
	}
	if n := f.clock.PendingCount(); n != 0 {
		t.Fatalf("pending timers after Close = %d", n)
	}

	fetches := f.api.fetchCount()
	f.clock.Advance(time.Minute)
	if f.api.fetchCount() != fetches {
		t.Fatal("closed view kept polling")
	}
}

func TestPollingStopsWhenConnected(t *testing.T) {
	f := newFixture(t, running("b1"))
	v, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	defer v.Close()

	f.clock.Advance(5 * time.Second)
	if got := f.api.fetchCount(); got != 2 {
		t.Fatalf("fetches = %d, want initial + 1 poll", got)
	}

	f.conn.set(connection.Connected)
	if v.Polling() {
		t.Fatal("polling still scheduled after connect")
	}
	// Only the elapsed ticker is left.
	if n := f.clock.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	f.conn.set(connection.Disconnected)
	if !v.Polling() {
		t.Fatal("polling did not resume after the channel dropped")
	}
}

func TestPollingPicksUpTerminalState(t *testing.T) {
	b := running("b1")
	f := newFixture(t, b)
	v, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	defer v.Close()

	done := b.Clone()
	done.Status = model.BuildFailed
	done.Error = "exit 1"
	f.api.set(done)

	f.clock.Advance(5 * time.Second)
	got, _ := v.Build()
	if got.Status != model.BuildFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if v.Polling() || v.Ticking() || f.clock.PendingCount() != 0 {
		t.Fatalf("timers left after terminal poll: polling=%v ticking=%v pending=%d",
			v.Polling(), v.Ticking(), f.clock.PendingCount())
	}
}

func TestWatchBuildNotFound(t *testing.T) {
	f := newFixture(t)
	before := f.mux.HandlerCount(message.TopicBuildStatus)

	_, err := f.mon.WatchBuild(context.Background(), "ghost")
	if !errors.Is(err, api.ErrBuildNotFound) {
		t.Fatalf("err = %v", err)
	}
	if f.mux.HandlerCount(message.TopicBuildStatus) != before || f.clock.PendingCount() != 0 {
		t.Fatal("failed WatchBuild leaked subscriptions or timers")
	}
}

func TestWatchBuildSurvivesFetchError(t *testing.T) {
	f := newFixture(t)
	f.api.fetchErr = errors.New("503")

	v, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	defer v.Close()

	if _, ok := v.Build(); ok {
		t.Fatal("expected no build yet")
	}
	if v.FetchError() == nil {
		t.Fatal("initial fetch error not reported")
	}
	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b1", Status: model.BuildRunning})
	if b, ok := v.Build(); !ok || b.Status != model.BuildRunning {
		t.Fatalf("Build = %+v, %v", b, ok)
	}

	f.api.failFetches(nil)
	f.api.set(running("b1"))
	f.clock.Advance(5 * time.Second)
	if err := v.FetchError(); err != nil {
		t.Fatalf("FetchError after a successful poll = %v", err)
	}

	f.api.failFetches(errors.New("502 Bad Gateway"))
	f.clock.Advance(5 * time.Second)
	if err := v.FetchError(); err == nil || err.Error() != "502 Bad Gateway" {
		t.Fatalf("FetchError = %v", err)
	}
}

func TestBuildViewsShareLogs(t *testing.T) {
	f := newFixture(t, running("b1"))
	f.conn.set(connection.Connected)

	first, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}
	second, err := f.mon.WatchBuild(context.Background(), "b1")
	if err != nil {
		t.Fatalf("WatchBuild: %v", err)
	}

	select {
	case <-second.Changes():
	default:
	}
	events.Publish(f.mux, message.BuildLogsEvent{BuildID: "b1", Logs: "INFO once"})
	if first.Logs() != second.Logs() || first.Logs().Len() != 1 {
		t.Fatalf("views do not share one buffer: len = %d", first.Logs().Len())
	}
	select {
	case <-second.Changes():
	default:
		t.Fatal("expected a change signal for the log chunk")
	}

	first.Close()
	if f.mon.agg.Len() != 1 {
		t.Fatal("logs dropped while a view still shows the build")
	}
	second.Close()
	if f.mon.agg.Len() != 0 {
		t.Fatalf("aggregator still holds %d builds", f.mon.agg.Len())
	}
}

func TestWatchProject(t *testing.T) {
	b1 := running("b1")
	b2 := running("b2")
	f := newFixture(t, b1, b2)

	v, err := f.mon.WatchProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("WatchProject: %v", err)
	}
	defer v.Close()

	if len(v.Builds()) != 2 || !v.Polling() {
		t.Fatalf("builds = %d, polling = %v", len(v.Builds()), v.Polling())
	}

	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b1", Status: model.BuildSuccess})
	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b9", Status: model.BuildRunning})
	if len(v.Builds()) != 2 {
		t.Fatal("project view adopted a build from another project")
	}

	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b2", Status: model.BuildCanceled})
	if v.Polling() {
		t.Fatal("polling continues with no active builds")
	}
	for _, s := range v.Builds() {
		if s.Progress != 100 {
			t.Fatalf("%s progress = %d", s.ID, s.Progress)
		}
	}
}

func TestBoardViewReportsRefreshErrors(t *testing.T) {
	f := newFixture(t, running("b1"))
	v, err := f.mon.WatchProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("WatchProject: %v", err)
	}
	defer v.Close()

	f.api.failFetches(errors.New("503 Service Unavailable"))
	f.clock.Advance(5 * time.Second)
	if err := v.FetchError(); err == nil {
		t.Fatal("refresh error not reported")
	}
	if !v.Polling() {
		t.Fatal("a failed refresh stopped polling")
	}

	f.api.failFetches(nil)
	f.clock.Advance(5 * time.Second)
	if err := v.FetchError(); err != nil {
		t.Fatalf("FetchError after recovery = %v", err)
	}
}

func TestWatchActiveAdoptsAndDismisses(t *testing.T) {
	f := newFixture(t)
	f.conn.set(connection.Connected)
	v := f.mon.WatchActive()
	defer v.Close()

	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b1", Status: model.BuildRunning})
	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b2", Status: model.BuildQueued})
	if len(v.Active()) != 2 {
		t.Fatalf("active = %d", len(v.Active()))
	}

	events.Publish(f.mux, message.BuildStatusEvent{BuildID: "b1", Status: model.BuildSuccess})
	v.Dismiss("b2")
	if len(v.Active()) != 0 {
		t.Fatalf("active = %+v", v.Active())
	}

	select {
	case <-v.Changes():
	default:
		t.Fatal("expected a pending change signal")
	}
}
