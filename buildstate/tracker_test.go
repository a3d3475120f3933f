package buildstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

type fakeControl struct {
	canceled  []string
	restarted []string
	err       error
}

func (c *fakeControl) CancelBuild(ctx context.Context, id string) error {
	c.canceled = append(c.canceled, id)
	return c.err
}

func (c *fakeControl) RestartBuild(ctx context.Context, id string) (model.Build, error) {
	c.restarted = append(c.restarted, id)
	if c.err != nil {
		return model.Build{}, c.err
	}
	return model.Build{ID: id + "-retry", Status: model.BuildQueued}, nil
}

func TestTrackerIgnoresOtherBuilds(t *testing.T) {
	tr := NewTracker("b1", nil, clock.Fake(epoch), nil)
	tr.HandleStatus(status("b2", model.BuildRunning))
	if _, ok := tr.Build(); ok {
		t.Fatal("expected tracker to ignore events for other builds")
	}
}

func TestTrackerCreatesBuildOnFirstEvent(t *testing.T) {
	tr := NewTracker("b1", nil, clock.Fake(epoch), nil)
	changes := 0
	tr.OnChange(func(model.Build) { changes++ })

	tr.HandleStatus(status("b1", model.BuildRunning))
	b, ok := tr.Build()
	if !ok || b.Status != model.BuildRunning {
		t.Fatalf("Build() = %+v, %v", b, ok)
	}
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
}

func TestTrackerDropsIllegalTransitionWithoutNotifying(t *testing.T) {
	tr := NewTracker("b1", nil, clock.Fake(epoch), nil)
	tr.Load(model.Build{ID: "b1", Status: model.BuildSuccess})

	changes := 0
	tr.OnChange(func(model.Build) { changes++ })
	if err := tr.HandleStatus(status("b1", model.BuildRunning)); err != nil {
		t.Fatalf("HandleStatus returned %v; illegal transitions are dropped, not errors", err)
	}
	if tr.Status() != model.BuildSuccess {
		t.Fatalf("status = %s, want success", tr.Status())
	}
	if changes != 0 {
		t.Fatalf("changes = %d, want 0", changes)
	}
	if !tr.Terminal() || tr.Progress() != 100 {
		t.Fatalf("Terminal = %v, Progress = %d", tr.Terminal(), tr.Progress())
	}
}

func TestTrackerLogsAndStatusInEitherOrder(t *testing.T) {
	tr := NewTracker("b1", nil, clock.Fake(epoch), nil)
	tr.Load(model.Build{ID: "b1", Status: model.BuildRunning, Steps: []model.Step{{ID: "s1", Status: model.StepRunning}}})

	// The final step event may arrive after the build already succeeded.
	tr.HandleStatus(status("b1", model.BuildSuccess))
	tr.HandleStep(message.BuildStepEvent{BuildID: "b1", StepID: "s1", Status: model.StepSuccess})

	b, _ := tr.Build()
	if b.Status != model.BuildSuccess || b.Steps[0].Status != model.StepSuccess {
		t.Fatalf("build = %+v", b)
	}
}

func TestTrackerElapsed(t *testing.T) {
	c := clock.Fake(epoch)
	tr := NewTracker("b1", nil, c, nil)
	started := epoch
	tr.HandleStatus(message.BuildStatusEvent{BuildID: "b1", Status: model.BuildRunning, StartedAt: &started})

	c.Advance(30 * time.Second)
	if got := tr.Elapsed(); got != 30*time.Second {
		t.Fatalf("Elapsed = %v, want 30s", got)
	}
	tr.HandleStatus(status("b1", model.BuildSuccess))
	c.Advance(time.Hour)
	if got := tr.Elapsed(); got != 30*time.Second {
		t.Fatalf("Elapsed after finish = %v, want 30s", got)
	}
}

func TestTrackerCancelAndRestartDelegate(t *testing.T) {
	control := &fakeControl{}
	tr := NewTracker("b1", control, clock.Fake(epoch), nil)
	tr.Load(model.Build{ID: "b1", Status: model.BuildRunning})

	if err := tr.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tr.Status() != model.BuildRunning {
		t.Fatal("Cancel must not change local state before the status event arrives")
	}

	id, err := tr.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if id != "b1-retry" {
		t.Fatalf("Restart id = %q", id)
	}
	if len(control.canceled) != 1 || len(control.restarted) != 1 {
		t.Fatalf("control calls = %v / %v", control.canceled, control.restarted)
	}
}

func TestTrackerSurfacesControlErrors(t *testing.T) {
	boom := errors.New("boom")
	tr := NewTracker("b1", &fakeControl{err: boom}, clock.Fake(epoch), nil)
	if err := tr.Cancel(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Cancel error = %v", err)
	}
	if _, err := tr.Restart(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Restart error = %v", err)
	}
}

func TestBoard(t *testing.T) {
	b := NewBoard(false, clock.Fake(epoch), nil)
	b.Load([]model.Build{
		{ID: "b1", Status: model.BuildRunning},
		{ID: "b2", Status: model.BuildQueued},
	})

	b.HandleStatus(status("b1", model.BuildSuccess))
	b.HandleStatus(status("b9", model.BuildRunning))

	if n := len(b.Builds()); n != 2 {
		t.Fatalf("len(Builds) = %d, want 2 (unknown builds are not adopted)", n)
	}
	active := b.Active()
	if len(active) != 1 || active[0].ID != "b2" {
		t.Fatalf("Active = %+v", active)
	}
	if _, progress, ok := b.Get("b1"); !ok || progress != 100 {
		t.Fatalf("Get(b1) progress = %d, ok = %v", progress, ok)
	}

	b.Remove("b2")
	if len(b.Active()) != 0 {
		t.Fatal("expected removed build to leave the board")
	}
}

func TestBoardAdoptsUnknownBuilds(t *testing.T) {
	b := NewBoard(true, clock.Fake(epoch), nil)
	b.HandleStatus(status("b1", model.BuildRunning))
	b.HandleStatus(status("b1", model.BuildQueued))

	build, _, ok := b.Get("b1")
	if !ok || build.Status != model.BuildRunning {
		t.Fatalf("Get(b1) = %+v, %v", build, ok)
	}
}
