// Package buildstate models the lifecycle of builds and their steps as seen
// from the event channel and from fetched snapshots.
//
// Build transitions:
//
//	queued  -> running | canceled
//	running -> success | failed | canceled
//
// Step transitions:
//
//	queued  -> running | skipped
//	running -> success | failed | skipped
//
// Events must name an edge of the graph. Snapshots from the API may skip
// intermediate states (a poll can miss "running"), so they only need the
// target to be reachable. Neither can move a build or step backwards.
package buildstate

import (
	"errors"
	"fmt"
	"time"

	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrWrongBuild        = errors.New("event for another build")
	ErrUnknownStep       = errors.New("unknown step")
)

var buildEdges = map[model.BuildStatus][]model.BuildStatus{
	model.BuildQueued:  {model.BuildRunning, model.BuildCanceled},
	model.BuildRunning: {model.BuildSuccess, model.BuildFailed, model.BuildCanceled},
}

var stepEdges = map[model.StepStatus][]model.StepStatus{
	model.StepQueued:  {model.StepRunning, model.StepSkipped},
	model.StepRunning: {model.StepSuccess, model.StepFailed, model.StepSkipped},
}

func CanTransition(from, to model.BuildStatus) bool {
	for _, s := range buildEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from in one or more steps.
func Reachable(from, to model.BuildStatus) bool {
	if CanTransition(from, to) {
		return true
	}
	for _, next := range buildEdges[from] {
		if Reachable(next, to) {
			return true
		}
	}
	return false
}

func CanStepTransition(from, to model.StepStatus) bool {
	for _, s := range stepEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func StepReachable(from, to model.StepStatus) bool {
	if CanStepTransition(from, to) {
		return true
	}
	for _, next := range stepEdges[from] {
		if StepReachable(next, to) {
			return true
		}
	}
	return false
}

// Machine holds the state of one build. It is not safe for concurrent use;
// Tracker and Board guard it.
type Machine struct {
	build    model.Build
	reported *int
	now      func() time.Time
}

func NewMachine(b model.Build, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	m := &Machine{build: b.Clone(), now: now}
	if m.build.Status == "" {
		m.build.Status = model.BuildQueued
	}
	m.normalize()
	return m
}

// machineFromStatus creates a machine for a build first seen on the channel.
func machineFromStatus(ev message.BuildStatusEvent, now func() time.Time) *Machine {
	m := NewMachine(model.Build{ID: ev.BuildID, Status: ev.Status}, now)
	m.stamp(ev)
	m.normalize()
	return m
}

func (m *Machine) Build() model.Build { return m.build.Clone() }

func (m *Machine) Status() model.BuildStatus { return m.build.Status }

func (m *Machine) Progress() int { return Progress(m.build, m.reported) }

// ApplyStatus applies a build:status event. A repeated non-terminal status
// refreshes metadata only.
func (m *Machine) ApplyStatus(ev message.BuildStatusEvent) error {
	if ev.BuildID != m.build.ID {
		return ErrWrongBuild
	}
	from := m.build.Status
	if from == ev.Status && !from.Terminal() {
		m.stamp(ev)
		return nil
	}
	if !CanTransition(from, ev.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, ev.Status)
	}
	m.build.Status = ev.Status
	m.stamp(ev)
	m.normalize()
	return nil
}

func (m *Machine) stamp(ev message.BuildStatusEvent) {
	if ev.Progress != nil {
		p := *ev.Progress
		m.reported = &p
	}
	if ev.Error != "" {
		m.build.Error = ev.Error
	}
	if ev.StartedAt != nil {
		t := *ev.StartedAt
		m.build.StartedAt = &t
	}
	if ev.FinishedAt != nil && m.build.Status.Terminal() {
		t := *ev.FinishedAt
		m.build.FinishedAt = &t
	}
	if ev.Duration != nil {
		m.build.Duration = *ev.Duration
	}
}

// normalize enforces FinishedAt != nil iff the status is terminal and fills
// in timestamps the server left out.
func (m *Machine) normalize() {
	b := &m.build
	if b.Status != model.BuildQueued && b.StartedAt == nil {
		t := m.now()
		b.StartedAt = &t
	}
	if !b.Status.Terminal() {
		b.FinishedAt = nil
		return
	}
	if b.FinishedAt == nil {
		t := m.now()
		b.FinishedAt = &t
	}
	if b.Duration == 0 && b.StartedAt != nil {
		b.Duration = b.FinishedAt.Sub(*b.StartedAt).Milliseconds()
	}
}

// ApplyStep applies a build:step event to the matching step.
func (m *Machine) ApplyStep(ev message.BuildStepEvent) error {
	if ev.BuildID != m.build.ID {
		return ErrWrongBuild
	}
	for i := range m.build.Steps {
		s := &m.build.Steps[i]
		if s.ID != ev.StepID {
			continue
		}
		if s.Status != ev.Status && !CanStepTransition(s.Status, ev.Status) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrIllegalTransition, s.ID, s.Status, ev.Status)
		}
		if s.Status == ev.Status && s.Status.Terminal() {
			return fmt.Errorf("%w: step %s already %s", ErrIllegalTransition, s.ID, s.Status)
		}
		s.Status = ev.Status
		if ev.StartedAt != nil {
			t := *ev.StartedAt
			s.StartedAt = &t
		}
		if ev.FinishedAt != nil {
			t := *ev.FinishedAt
			s.FinishedAt = &t
		}
		if ev.Duration != nil {
			s.Duration = *ev.Duration
		}
		m.normalizeStep(s)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownStep, ev.StepID)
}

func (m *Machine) normalizeStep(s *model.Step) {
	if s.Status == model.StepRunning && s.StartedAt == nil {
		t := m.now()
		s.StartedAt = &t
	}
	if !s.Status.Terminal() {
		s.FinishedAt = nil
		return
	}
	if s.FinishedAt == nil {
		t := m.now()
		s.FinishedAt = &t
	}
	if s.Duration == 0 && s.StartedAt != nil {
		s.Duration = s.FinishedAt.Sub(*s.StartedAt).Milliseconds()
	}
}

// ApplySnapshot reconciles a fetched build. Descriptive fields are taken from
// the snapshot; statuses only move forward. It reports ErrIllegalTransition
// when the snapshot's build status was behind and therefore not applied.
func (m *Machine) ApplySnapshot(b model.Build) error {
	if b.ID != m.build.ID {
		return ErrWrongBuild
	}
	cur := &m.build
	cur.ProjectID = b.ProjectID
	cur.Branch = b.Branch
	cur.Commit = b.Commit
	if b.Error != "" {
		cur.Error = b.Error
	}
	m.mergeSteps(b.Steps)

	var err error
	switch {
	case b.Status == cur.Status:
		m.copyTimes(b)
	case Reachable(cur.Status, b.Status):
		cur.Status = b.Status
		m.copyTimes(b)
	default:
		err = fmt.Errorf("%w: snapshot %s behind %s", ErrIllegalTransition, b.Status, cur.Status)
	}
	m.normalize()
	return err
}

func (m *Machine) copyTimes(b model.Build) {
	cur := &m.build
	if b.StartedAt != nil {
		t := *b.StartedAt
		cur.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		cur.FinishedAt = &t
	}
	if b.Duration != 0 {
		cur.Duration = b.Duration
	}
}

func (m *Machine) mergeSteps(snapshot []model.Step) {
	if len(snapshot) == 0 {
		return
	}
	existing := make(map[string]model.Step, len(m.build.Steps))
	for _, s := range m.build.Steps {
		existing[s.ID] = s
	}

	merged := make([]model.Step, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, in := range snapshot {
		in = cloneStep(in)
		seen[in.ID] = true
		old, ok := existing[in.ID]
		if !ok {
			m.normalizeStep(&in)
			merged = append(merged, in)
			continue
		}
		if in.Status != old.Status && !StepReachable(old.Status, in.Status) {
			in.Status = old.Status
			in.StartedAt, in.FinishedAt, in.Duration = old.StartedAt, old.FinishedAt, old.Duration
		}
		if len(in.Logs) < len(old.Logs) {
			in.Logs = old.Logs
		}
		m.normalizeStep(&in)
		merged = append(merged, in)
	}
	for _, s := range m.build.Steps {
		if !seen[s.ID] {
			merged = append(merged, s)
		}
	}
	m.build.Steps = merged
}

func cloneStep(s model.Step) model.Step {
	b := model.Build{Steps: []model.Step{s}}.Clone()
	return b.Steps[0]
}
