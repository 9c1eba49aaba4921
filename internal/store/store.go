// Package store holds the canonical in-process notification state. It is the
// sole mutator of read/acknowledged flags; the channel, triage machine, and
// local API all go through it.
package store

import (
	"sync"
	"time"

	"github.com/linnemanlabs/medwatch/internal/notification"
)

// Limit is the retention cap. The oldest entries are evicted first once the
// cap is reached, regardless of read state.
const Limit = 100

// Listener is invoked after every store mutation. Called without internal
// locks held, so listeners may read back from the store.
type Listener func()

// Store is an ordered, deduplicated, capped collection of notifications,
// newest first. All reads return copies.
type Store struct {
	mu        sync.RWMutex
	items     []notification.Notification
	index     map[string]int // id -> position in items
	limit     int
	now       func() time.Time
	listeners []Listener
}

// New initializes an empty store with the standard retention cap.
func New() *Store {
	return &Store{
		index: make(map[string]int),
		limit: Limit,
		now:   time.Now,
	}
}

// Subscribe registers a listener for mutation events. Not safe to call
// concurrently with mutations; wire listeners up before the channel starts.
func (s *Store) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify() {
	for _, l := range s.listeners {
		l()
	}
}

// Ingest adds a notification at the head of the collection and truncates to
// the cap. A notification whose ID is already present is dropped, keeping the
// first-seen entry. Reports whether the notification was added.
func (s *Store) Ingest(n notification.Notification) bool {
	s.mu.Lock()
	if _, dup := s.index[n.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.items = append([]notification.Notification{n}, s.items...)
	if len(s.items) > s.limit {
		s.items = s.items[:s.limit]
	}
	s.reindex()
	s.mu.Unlock()

	s.notify()
	return true
}

// Hydrate replaces the entire collection with a backend snapshot, newest
// first, truncated to the cap. It overwrites local flags; the snapshot is
// authoritative. Entries repeating an id are dropped, keeping the first, so
// a malformed snapshot cannot break id uniqueness.
func (s *Store) Hydrate(list []notification.Notification) {
	s.mu.Lock()
	seen := make(map[string]struct{}, min(len(list), s.limit))
	s.items = make([]notification.Notification, 0, min(len(list), s.limit))
	for _, n := range list {
		if len(s.items) == s.limit {
			break
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		s.items = append(s.items, n)
	}
	s.reindex()
	s.mu.Unlock()

	s.notify()
}

// MarkRead sets read=true for the matching entry. No-op if absent.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if ok {
		s.items[i].Read = true
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// MarkAcknowledged sets acknowledged=true and read=true for the matching
// entry. No-op if absent.
func (s *Store) MarkAcknowledged(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if ok {
		s.items[i].Acknowledged = true
		s.items[i].Read = true
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Get returns a copy of the notification with the given ID.
func (s *Store) Get(id string) (notification.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return notification.Notification{}, false
	}
	return s.items[i], true
}

// List returns a copy of the collection, newest first.
func (s *Store) List() []notification.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notification.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of stored notifications.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// UnreadCount counts unread, unexpired notifications.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	count := 0
	for i := range s.items {
		if !s.items[i].Read && !s.items[i].Expired(now) {
			count++
		}
	}
	return count
}

// CriticalAlerts returns copies of the unacknowledged, unexpired critical
// notifications, most recently ingested first.
func (s *Store) CriticalAlerts() []notification.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []notification.Notification
	for i := range s.items {
		if s.items[i].Critical() && !s.items[i].Acknowledged && !s.items[i].Expired(now) {
			out = append(out, s.items[i])
		}
	}
	return out
}

// reindex rebuilds the id index. Caller holds the write lock.
func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.items))
	for i := range s.items {
		s.index[s.items[i].ID] = i
	}
}
