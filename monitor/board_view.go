package monitor

import (
	"context"
	"errors"
	"sync"

	"gobuild/monitor/buildstate"
	"gobuild/monitor/events"
	"gobuild/monitor/polling"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// BoardView follows many builds: a project's build list, or every active
// build for the floating monitor.
type BoardView struct {
	board  *buildstate.Board
	poller *polling.Poller
	mux    *events.Multiplexer

	statusRef *events.Ref
	stepRef   *events.Ref
	offConn   func()

	changes   chan struct{}
	closeOnce sync.Once
}

// WatchProject loads the project's builds and keeps them current. Builds
// started later are not added; reload with a new view.
func (m *Monitor) WatchProject(ctx context.Context, projectID string) (*BoardView, error) {
	builds, err := m.client.FetchBuilds(ctx, projectID)
	if err != nil {
		return nil, err
	}
	v := m.newBoardView(false, func(ctx context.Context, board *buildstate.Board) error {
		builds, err := m.client.FetchBuilds(ctx, projectID)
		if err != nil {
			return err
		}
		board.Load(builds)
		return nil
	})
	v.board.Load(builds)
	v.start(m)
	return v, nil
}

// WatchActive follows every build announced on the channel until it
// finishes. While the channel is down the builds it already knows are
// refreshed one by one.
func (m *Monitor) WatchActive() *BoardView {
	v := m.newBoardView(true, func(ctx context.Context, board *buildstate.Board) error {
		var errs []error
		for _, b := range board.Active() {
			fresh, err := m.client.FetchBuild(ctx, b.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			board.Load([]model.Build{fresh})
		}
		return errors.Join(errs...)
	})
	v.start(m)
	return v
}

func (m *Monitor) newBoardView(adopt bool, refresh func(context.Context, *buildstate.Board) error) *BoardView {
	v := &BoardView{
		board:   buildstate.NewBoard(adopt, m.opts.Clock, m.opts.Logger),
		mux:     m.mux,
		changes: make(chan struct{}, 1),
	}
	v.poller = polling.New(func(ctx context.Context) error {
		err := refresh(ctx, v.board)
		signal(v.changes)
		return err
	}, func() bool { return len(v.board.Active()) == 0 }, m.pollOptions())
	return v
}

func (v *BoardView) start(m *Monitor) {
	v.statusRef = events.Subscribe(m.mux, events.BuildStatus, func(ev message.BuildStatusEvent) error {
		v.board.HandleStatus(ev)
		v.poller.Evaluate()
		signal(v.changes)
		return nil
	})
	v.stepRef = events.Subscribe(m.mux, events.BuildStep, func(ev message.BuildStepEvent) error {
		v.board.HandleStep(ev)
		signal(v.changes)
		return nil
	})
	v.offConn = m.followConnection(v.poller)
}

// Builds returns the tracked builds with their progress.
func (v *BoardView) Builds() []BuildSummary {
	builds := v.board.Builds()
	out := make([]BuildSummary, 0, len(builds))
	for _, b := range builds {
		_, progress, _ := v.board.Get(b.ID)
		out = append(out, BuildSummary{Build: b, Progress: progress})
	}
	return out
}

func (v *BoardView) Active() []model.Build { return v.board.Active() }

// Dismiss drops a build from the view.
func (v *BoardView) Dismiss(buildID string) {
	v.board.Remove(buildID)
	v.poller.Evaluate()
	signal(v.changes)
}

func (v *BoardView) Polling() bool { return v.poller.Active() }

// FetchError is the error of the last failed refresh, cleared by the next
// successful one.
func (v *BoardView) FetchError() error { return v.poller.LastError() }

func (v *BoardView) Changes() <-chan struct{} { return v.changes }

func (v *BoardView) Close() {
	v.closeOnce.Do(func() {
		events.Unsubscribe(v.mux, events.BuildStatus, v.statusRef)
		events.Unsubscribe(v.mux, events.BuildStep, v.stepRef)
		if v.offConn != nil {
			v.offConn()
		}
		v.poller.Close()
	})
}

type BuildSummary struct {
	model.Build
	Progress int
}
