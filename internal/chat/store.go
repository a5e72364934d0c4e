package chat

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

// Store is the ordered, de-duplicated timeline. Order is arrival order.
//
// Writes are expected from a single owner; the lock only guards the slice
// header so readers on other goroutines always see a consistent prefix.
type Store struct {
	mu     sync.RWMutex
	items  []Message
	ids    map[string]struct{}
	seeded bool // a snapshot has been merged
}

// NewStore returns an empty timeline.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Initialize merges a relay snapshot into the timeline and returns how many
// malformed entries it skipped. Duplicate IDs inside the snapshot keep their
// first occurrence.
//
// The first snapshot defines the order: it goes first and messages that were
// delivered live before it follow, in their original relative order. Later
// snapshots (one per reconnect) are a window over the newest history, so they
// never move what is already there. Unseen messages are slotted in right
// after the nearest earlier snapshot entry the timeline already holds; if the
// window shares nothing with the timeline they are appended.
func (s *Store) Initialize(snapshot []Message) (skipped int) {
	valid := make([]Message, 0, len(snapshot))
	for _, m := range snapshot {
		if err := m.Validate(); err != nil {
			log.Warnf("skipping snapshot entry %q: %v", m.ID, err)
			skipped++
			continue
		}
		valid = append(valid, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added int
	if s.seeded {
		added = s.slotIn(valid)
	} else {
		added = s.seed(valid)
		s.seeded = true
	}
	log.Debugf("snapshot merged: %d new, %d skipped, %d total", added, skipped, len(s.items))
	return skipped
}

func (s *Store) seed(snapshot []Message) int {
	merged := make([]Message, 0, len(snapshot)+len(s.items))
	ids := make(map[string]struct{}, len(snapshot)+len(s.items))
	for _, m := range snapshot {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	added := len(merged)
	for _, m := range s.items {
		if _, dup := ids[m.ID]; dup {
			added--
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	s.items = merged
	s.ids = ids
	return added
}

func (s *Store) slotIn(snapshot []Message) int {
	// Unseen messages are grouped by the known entry they follow; lead holds
	// the ones that come before any known entry.
	var (
		lead       []Message
		firstKnown string
		prev       string
		added      int
	)
	after := make(map[string][]Message)
	fresh := make(map[string]struct{})
	for _, m := range snapshot {
		if _, known := s.ids[m.ID]; known {
			if firstKnown == "" {
				firstKnown = m.ID
			}
			prev = m.ID
			continue
		}
		if _, dup := fresh[m.ID]; dup {
			continue
		}
		fresh[m.ID] = struct{}{}
		added++
		if prev == "" {
			lead = append(lead, m)
		} else {
			after[prev] = append(after[prev], m)
		}
	}
	if added == 0 {
		return 0
	}

	merged := make([]Message, 0, len(s.items)+added)
	for _, m := range s.items {
		if m.ID == firstKnown {
			merged = append(merged, lead...)
			lead = nil
		}
		merged = append(merged, m)
		merged = append(merged, after[m.ID]...)
	}
	merged = append(merged, lead...)
	for id := range fresh {
		s.ids[id] = struct{}{}
	}
	s.items = merged
	return added
}

// Append adds m at the end of the timeline. It reports false without error
// when a message with the same ID is already present.
func (s *Store) Append(m Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[m.ID]; dup {
		return false, nil
	}
	s.ids[m.ID] = struct{}{}
	s.items = append(s.items, m)
	return true, nil
}

// All returns the current timeline without copying. Callers must treat the
// slice as read-only; the capacity is clipped so an append by the caller
// cannot reach the store's backing array.
func (s *Store) All() []Message {
	s.mu.RLock()
	items := s.items[:len(s.items):len(s.items)]
	s.mu.RUnlock()
	return items
}

// Len returns the number of messages in the timeline.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Contains reports whether a message with id is in the timeline.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	_, ok := s.ids[id]
	s.mu.RUnlock()
	return ok
}
