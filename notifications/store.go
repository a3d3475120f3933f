// Package notifications keeps the user's notification ledger: newest first,
// capped, deduplicated against bursts of identical server emissions and
// persisted through a Repository so it survives restarts.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gobuild/monitor/shared/clock"
	"gobuild/monitor/shared/model"
)

var ErrNotFound = errors.New("notification not found")

const (
	DefaultWindow   = 5 * time.Second
	DefaultCapacity = 50
	DefaultStoreID  = "gobuild-notifications"
)

type Options struct {
	// Window suppresses an entry whose type and message match one received
	// less than Window ago.
	Window   time.Duration
	Capacity int
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is an in-memory cache in front of a Repository. Every mutation is
// written through once the stored ledger has been read. Safe for concurrent
// use.
type Store struct {
	repo Repository
	opts Options

	mu sync.Mutex
	// loaded is set by the first successful read. Until then nothing is
	// saved, so a failed read can never overwrite the stored ledger.
	loaded bool
	items  []model.Notification
}

func NewStore(repo Repository, opts Options) *Store {
	opts.setDefaults()
	return &Store{repo: repo, opts: opts}
}

// loadLocked reads the repository on first access and again on every
// access until a read succeeds. Entries added before that are newer than
// anything stored, so they stay in front of the loaded ledger.
func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stored, err := s.repo.Load(ctx)
	if err != nil {
		s.opts.Logger.Warn("failed to load notifications, will retry", "error", err, "pending", len(s.items))
		return
	}
	s.loaded = true

	pending := len(s.items)
	merged := s.items
	for _, n := range stored {
		if s.indexLocked(n.ID) < 0 {
			merged = append(merged, n)
		}
	}
	if len(merged) > s.opts.Capacity {
		merged = merged[:s.opts.Capacity]
	}
	s.items = merged
	if pending > 0 {
		s.persistLocked()
	}
}

func (s *Store) persistLocked() {
	if !s.loaded {
		s.opts.Logger.Debug("notifications not saved until the stored ledger is read", "count", len(s.items))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Save(ctx, s.items); err != nil {
		s.opts.Logger.Warn("failed to persist notifications", "error", err, "count", len(s.items))
	}
}

// Add inserts n at the front unless a notification with the same type and
// message arrived within the dedup window. It returns the stored entry and
// whether it was accepted.
func (s *Store) Add(n model.Notification) (model.Notification, bool) {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	for _, existing := range s.items {
		if existing.Type == n.Type && existing.Message == n.Message &&
			now.Sub(existing.ReceivedAt) < s.opts.Window {
			s.opts.Logger.Debug("duplicate notification suppressed", "type", n.Type, "id", existing.ID)
			return existing, false
		}
	}

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	n.ReceivedAt = now
	n.Read = false

	next := make([]model.Notification, 0, min(len(s.items)+1, s.opts.Capacity))
	next = append(next, n)
	next = append(next, s.items...)
	if len(next) > s.opts.Capacity {
		next = next[:s.opts.Capacity]
	}
	s.items = next
	s.persistLocked()
	return n, true
}

func (s *Store) MarkRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	if !s.items[i].Read {
		s.items[i].Read = true
		s.persistLocked()
	}
	return nil
}

func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	changed := false
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	s.persistLocked()
	return nil
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.items = nil
	// An explicit clear is authoritative even if the stored ledger was never
	// read.
	s.loaded = true
	s.persistLocked()
}

// List returns a copy of the ledger, newest first.
func (s *Store) List() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return append([]model.Notification(nil), s.items...)
}

func (s *Store) Get(id string) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	i := s.indexLocked(id)
	if i < 0 {
		return model.Notification{}, ErrNotFound
	}
	return s.items[i], nil
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	n := 0
	for _, item := range s.items {
		if !item.Read {
			n++
		}
	}
	return n
}

func (s *Store) indexLocked(id string) int {
	for i, item := range s.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}
