package notifications

import (
	"fmt"

	"gobuild/monitor/events"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// Bind feeds the store from the multiplexer: notification frames, system
// frames and terminal build statuses. The returned func removes all three
// subscriptions.
func Bind(m *events.Multiplexer, s *Store) (unbind func()) {
	nRef := events.Subscribe(m, events.Notification, func(ev message.NotificationEvent) error {
		kind := ev.Type
		if kind == "" {
			kind = model.NotificationInfo
		}
		s.Add(model.Notification{
			Type:      kind,
			Title:     ev.Title,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		})
		return nil
	})
	sysRef := events.Subscribe(m, events.System, func(ev message.SystemEvent) error {
		s.Add(model.Notification{
			Type:    model.NotificationSystem,
			Title:   "System",
			Message: ev.Message,
		})
		return nil
	})
	statusRef := events.Subscribe(m, events.BuildStatus, func(ev message.BuildStatusEvent) error {
		if n, ok := FromStatus(ev); ok {
			s.Add(n)
		}
		return nil
	})

	return func() {
		events.Unsubscribe(m, events.Notification, nRef)
		events.Unsubscribe(m, events.System, sysRef)
		events.Unsubscribe(m, events.BuildStatus, statusRef)
	}
}

// FromStatus turns a terminal build status into the notification the server
// would emit for it. The wording matches so the two collapse in the dedup
// window.
func FromStatus(ev message.BuildStatusEvent) (model.Notification, bool) {
	switch ev.Status {
	case model.BuildSuccess:
		return model.Notification{
			Type:    model.NotificationBuildSuccess,
			Title:   "Build succeeded",
			Message: fmt.Sprintf("Build %s completed successfully", ev.BuildID),
		}, true
	case model.BuildFailed:
		msg := fmt.Sprintf("Build %s failed", ev.BuildID)
		if ev.Error != "" {
			msg += ": " + ev.Error
		}
		return model.Notification{
			Type:    model.NotificationBuildFailed,
			Title:   "Build failed",
			Message: msg,
		}, true
	case model.BuildCanceled:
		return model.Notification{
			Type:    model.NotificationBuildCanceled,
			Title:   "Build canceled",
			Message: fmt.Sprintf("Build %s was canceled", ev.BuildID),
		}, true
	}
	return model.Notification{}, false
}
