// Package events fans the frames of one shared channel out to any number of
// independent subscribers, keyed by topic.
//
// Topics are typed: a handler registered on BuildStatus receives a
// message.BuildStatusEvent, never a raw payload. Handlers are removed only by
// the exact *Ref that Subscribe returned.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gobuild/monitor/shared/message"
)

// Topic names a channel topic and fixes its payload type.
type Topic[P message.Payload] struct {
	name string
}

func (t Topic[P]) Name() string { return t.name }

var (
	BuildStatus  = Topic[message.BuildStatusEvent]{message.TopicBuildStatus}
	BuildLogs    = Topic[message.BuildLogsEvent]{message.TopicBuildLogs}
	BuildStep    = Topic[message.BuildStepEvent]{message.TopicBuildStep}
	Notification = Topic[message.NotificationEvent]{message.TopicNotification}
	System       = Topic[message.SystemEvent]{message.TopicSystem}
)

// decoders knows how to turn raw data into each topic's payload. Frames for
// topics missing here are dropped.
var decoders = map[string]func(json.RawMessage) (message.Payload, error){
	BuildStatus.name:  decode[message.BuildStatusEvent],
	BuildLogs.name:    decode[message.BuildLogsEvent],
	BuildStep.name:    decode[message.BuildStepEvent],
	Notification.name: decode[message.NotificationEvent],
	System.name:       decode[message.SystemEvent],
}

func decode[P message.Payload](raw json.RawMessage) (message.Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Ref identifies one registration. Its pointer identity is the only
// unsubscribe key.
type Ref struct {
	topic  string
	invoke func(message.Payload) error
}

// Multiplexer is safe for concurrent use. Dispatch is expected to be called
// from a single reader goroutine so that handlers of one topic observe frames
// in delivery order.
type Multiplexer struct {
	mu     sync.Mutex
	topics map[string][]*Ref
	logger *slog.Logger
}

func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		topics: make(map[string][]*Ref),
		logger: logger,
	}
}

// Subscribe registers h for every future frame on topic t.
func Subscribe[P message.Payload](m *Multiplexer, t Topic[P], h func(P) error) *Ref {
	ref := &Ref{
		topic:  t.name,
		invoke: func(p message.Payload) error { return h(p.(P)) },
	}
	m.mu.Lock()
	m.topics[t.name] = append(m.topics[t.name], ref)
	m.mu.Unlock()
	return ref
}

// Unsubscribe removes ref from topic t. Unknown or already removed refs are a
// no-op. A dispatch already running keeps its snapshot and may still call the
// handler once.
func Unsubscribe[P message.Payload](m *Multiplexer, t Topic[P], ref *Ref) {
	m.remove(t.name, ref)
}

func (m *Multiplexer) remove(topic string, ref *Ref) {
	if ref == nil || ref.topic != topic {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := m.topics[topic]
	for i, r := range refs {
		if r == ref {
			// Copy so snapshots held by in-flight dispatches stay intact.
			next := make([]*Ref, 0, len(refs)-1)
			next = append(next, refs[:i]...)
			next = append(next, refs[i+1:]...)
			if len(next) == 0 {
				delete(m.topics, topic)
			} else {
				m.topics[topic] = next
			}
			return
		}
	}
}

// HandlerCount returns how many handlers are registered on topic.
func (m *Multiplexer) HandlerCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Dispatch decodes env and invokes every handler registered on its topic.
// Malformed frames and unknown topics are dropped. Handler errors and panics
// are logged and returned joined; they never stop the remaining handlers.
func (m *Multiplexer) Dispatch(env message.Envelope) error {
	dec, ok := decoders[env.Event]
	if !ok {
		m.logger.Warn("dropping event for unknown topic", "topic", env.Event)
		return fmt.Errorf("%w: %s", message.ErrUnknownTopic, env.Event)
	}
	payload, err := dec(env.Data)
	if err != nil {
		m.logger.Warn("dropping malformed event", "topic", env.Event, "error", err)
		return err
	}
	return m.publish(env.Event, payload)
}

// Publish delivers an already decoded payload. Used by sources that do not
// speak the envelope format.
func Publish[P message.Payload](m *Multiplexer, p P) error {
	if err := p.Validate(); err != nil {
		m.logger.Warn("dropping malformed event", "topic", p.Topic(), "error", err)
		return err
	}
	return m.publish(p.Topic(), p)
}

func (m *Multiplexer) publish(topic string, payload message.Payload) error {
	m.mu.Lock()
	refs := m.topics[topic]
	m.mu.Unlock()

	m.logger.Debug("dispatching event", "topic", topic, "handlers", len(refs))

	var errs []error
	for _, ref := range refs {
		if err := m.invoke(ref, payload); err != nil {
			m.logger.Warn("event handler failed", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multiplexer) invoke(ref *Ref, payload message.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return ref.invoke(payload)
}
