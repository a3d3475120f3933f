package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gobuild/monitor/shared/model"
)

const (
	TopicBuildStatus  = "build:status"
	TopicBuildLogs    = "build:logs"
	TopicBuildStep    = "build:step"
	TopicNotification = "notification"
	TopicSystem       = "system"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Envelope is a single inbound frame on the shared channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Payload is implemented by every per-topic event type.
type Payload interface {
	Topic() string
	Validate() error
}

type BuildStatusEvent struct {
	BuildID    string            `json:"buildId"`
	Status     model.BuildStatus `json:"status"`
	Progress   *int              `json:"progress,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Duration   *int64            `json:"duration,omitempty"` // in milliseconds
}

func (BuildStatusEvent) Topic() string { return TopicBuildStatus }

func (e BuildStatusEvent) Validate() error {
	if e.BuildID == "" {
		return fmt.Errorf("%w: missing buildId", ErrMalformed)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown build status %q", ErrMalformed, e.Status)
	}
	return nil
}

type BuildLogsEvent struct {
	BuildID string `json:"buildId"`
	Logs    string `json:"logs"`
}

func (BuildLogsEvent) Topic() string { return TopicBuildLogs }

func (e BuildLogsEvent) Validate() error {
	if e.BuildID == "" {
		return fmt.Errorf("%w: missing buildId", ErrMalformed)
	}
	return nil
}

type BuildStepEvent struct {
	BuildID    string           `json:"buildId"`
	StepID     string           `json:"stepId"`
	Status     model.StepStatus `json:"status"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Duration   *int64           `json:"duration,omitempty"`
}

func (BuildStepEvent) Topic() string { return TopicBuildStep }

func (e BuildStepEvent) Validate() error {
	if e.BuildID == "" || e.StepID == "" {
		return fmt.Errorf("%w: missing buildId or stepId", ErrMalformed)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown step status %q", ErrMalformed, e.Status)
	}
	return nil
}

type NotificationEvent struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (NotificationEvent) Topic() string { return TopicNotification }

func (e NotificationEvent) Validate() error {
	if e.Message == "" && e.Title == "" {
		return fmt.Errorf("%w: empty notification", ErrMalformed)
	}
	return nil
}

type SystemEvent struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (SystemEvent) Topic() string { return TopicSystem }

func (e SystemEvent) Validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: empty system message", ErrMalformed)
	}
	return nil
}

// Encode wraps a payload in an envelope ready to be written to the channel.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: p.Topic(), Data: data})
}

// UnmarshalMessage decodes a raw frame into an Envelope.
func UnmarshalMessage(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}
