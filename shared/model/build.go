// shared/model/build.go
package model

import (
	"time"
)

type BuildStatus string

const (
	BuildQueued   BuildStatus = "queued"
	BuildRunning  BuildStatus = "running"
	BuildSuccess  BuildStatus = "success"
	BuildFailed   BuildStatus = "failed"
	BuildCanceled BuildStatus = "canceled"
)

// Terminal reports whether no further transition is possible from s.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildFailed, BuildCanceled:
		return true
	}
	return false
}

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildQueued, BuildRunning, BuildSuccess, BuildFailed, BuildCanceled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped:
		return true
	}
	return false
}

func (s StepStatus) Valid() bool {
	switch s {
	case StepQueued, StepRunning, StepSuccess, StepFailed, StepSkipped:
		return true
	}
	return false
}

type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message,omitempty"`
	Author  string `json:"author,omitempty"`
}

type Step struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Command    string     `json:"command,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   int64      `json:"duration,omitempty"` // in milliseconds
}

// Build is owned by whichever surface fetched or first observed it; Steps are
// never shared between builds.
type Build struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	Status     BuildStatus `json:"status"`
	Branch     string      `json:"branch,omitempty"`
	Commit     Commit      `json:"commit"`
	Steps      []Step      `json:"steps,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Duration   int64       `json:"duration,omitempty"` // in milliseconds
}

// Clone returns a deep copy so callers can read a build without holding the
// owner's lock.
func (b Build) Clone() Build {
	out := b
	out.StartedAt = cloneTime(b.StartedAt)
	out.FinishedAt = cloneTime(b.FinishedAt)
	if b.Steps != nil {
		out.Steps = make([]Step, len(b.Steps))
		for i, s := range b.Steps {
			s.StartedAt = cloneTime(s.StartedAt)
			s.FinishedAt = cloneTime(s.FinishedAt)
			if s.Logs != nil {
				s.Logs = append([]string(nil), s.Logs...)
			}
			out.Steps[i] = s
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
