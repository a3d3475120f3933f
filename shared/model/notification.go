package model

import "time"

const (
	NotificationBuildSuccess  = "build-success"
	NotificationBuildFailed   = "build-failed"
	NotificationBuildCanceled = "build-canceled"
	NotificationSystem        = "system"
	NotificationInfo          = "info"
)

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	// ReceivedAt is stamped locally on insertion and drives deduplication.
	ReceivedAt time.Time `json:"received_at"`
}
