package buildstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// BuildControl is the part of the build API that cancels and restarts builds.
type BuildControl interface {
	CancelBuild(ctx context.Context, buildID string) error
	RestartBuild(ctx context.Context, buildID string) (model.Build, error)
}

// Tracker follows exactly one build for a detail view. Events for other
// builds are ignored.
type Tracker struct {
	buildID string
	control BuildControl
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	machine   *Machine
	listeners map[*func(model.Build)]struct{}
}

func NewTracker(buildID string, control BuildControl, c clock.Clock, logger *slog.Logger) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		buildID:   buildID,
		control:   control,
		clock:     c,
		logger:    logger.With("build_id", buildID),
		listeners: make(map[*func(model.Build)]struct{}),
	}
}

func (t *Tracker) BuildID() string { return t.buildID }

// OnChange registers fn for every applied change. fn runs after the tracker's
// lock is released and may read the tracker.
func (t *Tracker) OnChange(fn func(model.Build)) func() {
	key := &fn
	t.mu.Lock()
	t.listeners[key] = struct{}{}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, key)
		t.mu.Unlock()
	}
}

// Load applies a fetched build (initial load or poll).
func (t *Tracker) Load(b model.Build) error {
	if b.ID != t.buildID {
		return ErrWrongBuild
	}
	t.mu.Lock()
	var err error
	if t.machine == nil {
		t.machine = NewMachine(b, t.clock.Now)
	} else {
		err = t.machine.ApplySnapshot(b)
	}
	snap := t.machine.Build()
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("snapshot status not applied", "error", err)
	}
	t.notify(snap)
	return nil
}

// HandleStatus is the build:status handler. Illegal transitions are logged
// and dropped.
func (t *Tracker) HandleStatus(ev message.BuildStatusEvent) error {
	if ev.BuildID != t.buildID {
		return nil
	}
	t.mu.Lock()
	var err error
	if t.machine == nil {
		t.machine = machineFromStatus(ev, t.clock.Now)
	} else {
		err = t.machine.ApplyStatus(ev)
	}
	snap := t.machine.Build()
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("ignoring build status event", "status", ev.Status, "error", err)
		return nil
	}
	t.notify(snap)
	return nil
}

// HandleStep is the build:step handler.
func (t *Tracker) HandleStep(ev message.BuildStepEvent) error {
	if ev.BuildID != t.buildID {
		return nil
	}
	t.mu.Lock()
	if t.machine == nil {
		t.mu.Unlock()
		return nil
	}
	err := t.machine.ApplyStep(ev)
	snap := t.machine.Build()
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("ignoring step event", "step_id", ev.StepID, "status", ev.Status, "error", err)
		return nil
	}
	t.notify(snap)
	return nil
}

func (t *Tracker) notify(b model.Build) {
	t.mu.Lock()
	fns := make([]func(model.Build), 0, len(t.listeners))
	for fn := range t.listeners {
		fns = append(fns, *fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

// Build returns a copy of the tracked build, or false before the first
// event or fetch.
func (t *Tracker) Build() (model.Build, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine == nil {
		return model.Build{}, false
	}
	return t.machine.Build(), true
}

func (t *Tracker) Status() model.BuildStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine == nil {
		return ""
	}
	return t.machine.Status()
}

// Terminal reports whether the build has finished. Unknown builds are not.
func (t *Tracker) Terminal() bool {
	return t.Status().Terminal()
}

func (t *Tracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine == nil {
		return 0
	}
	return t.machine.Progress()
}

// Elapsed is the running time so far, or the final duration once finished.
func (t *Tracker) Elapsed() time.Duration {
	b, ok := t.Build()
	if !ok || b.StartedAt == nil {
		return 0
	}
	if b.FinishedAt != nil {
		return b.FinishedAt.Sub(*b.StartedAt)
	}
	return t.clock.Now().Sub(*b.StartedAt)
}

// Cancel asks the API to cancel the build. Local state only changes when the
// resulting build:status event arrives.
func (t *Tracker) Cancel(ctx context.Context) error {
	if t.control == nil {
		return errors.New("no build control configured")
	}
	if err := t.control.CancelBuild(ctx, t.buildID); err != nil {
		return fmt.Errorf("cancel build %s: %w", t.buildID, err)
	}
	return nil
}

// Restart asks the API for a new run of the build and returns the new build
// id for the caller to navigate to.
func (t *Tracker) Restart(ctx context.Context) (string, error) {
	if t.control == nil {
		return "", errors.New("no build control configured")
	}
	b, err := t.control.RestartBuild(ctx, t.buildID)
	if err != nil {
		return "", fmt.Errorf("restart build %s: %w", t.buildID, err)
	}
	return b.ID, nil
}
