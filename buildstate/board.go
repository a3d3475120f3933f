package buildstate

import (
	"log/slog"
	"sync"

	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// Board tracks many builds at once, for the project build list and for the
// floating monitor that follows every active build.
type Board struct {
	clock  clock.Clock
	logger *slog.Logger
	// adopt makes the board start tracking builds it first hears about on
	// the channel. A project list leaves it off because status events do not
	// say which project they belong to.
	adopt bool

	mu       sync.Mutex
	machines map[string]*Machine
	order    []string
}

func NewBoard(adopt bool, c clock.Clock, logger *slog.Logger) *Board {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		clock:    c,
		logger:   logger,
		adopt:    adopt,
		machines: make(map[string]*Machine),
	}
}

// Load applies fetched builds, adding the ones not tracked yet.
func (b *Board) Load(builds []model.Build) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, build := range builds {
		m, ok := b.machines[build.ID]
		if !ok {
			b.machines[build.ID] = NewMachine(build, b.clock.Now)
			b.order = append(b.order, build.ID)
			continue
		}
		if err := m.ApplySnapshot(build); err != nil {
			b.logger.Warn("snapshot status not applied", "build_id", build.ID, "error", err)
		}
	}
}

func (b *Board) HandleStatus(ev message.BuildStatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[ev.BuildID]
	if !ok {
		if b.adopt {
			b.machines[ev.BuildID] = machineFromStatus(ev, b.clock.Now)
			b.order = append(b.order, ev.BuildID)
		}
		return nil
	}
	if err := m.ApplyStatus(ev); err != nil {
		b.logger.Warn("ignoring build status event", "build_id", ev.BuildID, "status", ev.Status, "error", err)
	}
	return nil
}

func (b *Board) HandleStep(ev message.BuildStepEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[ev.BuildID]
	if !ok {
		return nil
	}
	if err := m.ApplyStep(ev); err != nil {
		b.logger.Warn("ignoring step event", "build_id", ev.BuildID, "step_id", ev.StepID, "error", err)
	}
	return nil
}

func (b *Board) Get(id string) (model.Build, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[id]
	if !ok {
		return model.Build{}, 0, false
	}
	return m.Build(), m.Progress(), true
}

// Builds returns every tracked build in the order it was first seen.
func (b *Board) Builds() []model.Build {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Build, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.machines[id].Build())
	}
	return out
}

// Active returns the builds that have not finished yet.
func (b *Board) Active() []model.Build {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Build
	for _, id := range b.order {
		m := b.machines[id]
		if !m.Status().Terminal() {
			out = append(out, m.Build())
		}
	}
	return out
}

// Remove stops tracking a build, e.g. when the user dismisses it.
func (b *Board) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.machines[id]; !ok {
		return
	}
	delete(b.machines, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
