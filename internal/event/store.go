package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists events. The store is append-only except for user
// reassignment during merges.
type Store interface {
	// Insert appends one event. Re-inserting an id the store has already
	// seen must not duplicate the row.
	Insert(ctx context.Context, event *Event) error

	// ListByUser returns a user's events inside [from, to), ordered by
	// creation time. Zero bounds are unbounded.
	ListByUser(ctx context.Context, projectID, userID string, from, to time.Time) ([]*Event, error)

	// ReassignUser moves a user's events to another user during a merge.
	// Returns the number of rows moved.
	ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error)
}

// InMemoryStore implements Store with in-memory storage. Used for
// testing and development.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	seen   map[string]bool
}

// NewInMemoryStore creates an empty in-memory event store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seen: make(map[string]bool)}
}

// Insert appends one event, deduplicating on (project, id).
func (s *InMemoryStore) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := event.ProjectID + "/" + event.ID
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true

	copied := *event
	if event.CustomData != nil {
		copied.CustomData = make(map[string]any, len(event.CustomData))
		for k, v := range event.CustomData {
			copied.CustomData[k] = v
		}
	}
	s.events = append(s.events, &copied)
	return nil
}

// ListByUser returns a user's events inside the window, ordered by
// creation time.
func (s *InMemoryStore) ListByUser(ctx context.Context, projectID, userID string, from, to time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.ProjectID != projectID || e.UserID != userID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !e.CreatedAt.Before(to) {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReassignUser moves a user's events to another user.
func (s *InMemoryStore) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for _, e := range s.events {
		if e.ProjectID == projectID && e.UserID == oldUserID {
			e.UserID = newUserID
			moved++
		}
	}
	return moved, nil
}
