package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/swappynest/pkg/models"
)

// DefaultCorrelationWindow bounds how far a server echo's timestamp may be
// from the optimistic message it confirms.
const DefaultCorrelationWindow = 2 * time.Minute

// MergeResult says what happened to a message offered to the store.
type MergeResult string

const (
	MergeAccepted   MergeResult = "accepted"
	MergeDuplicate  MergeResult = "duplicate"
	MergeReconciled MergeResult = "reconciled"
)

// Store holds one conversation's messages: each id at most once, ordered by
// timestamp ascending.
type Store struct {
	mu       sync.Mutex
	window   time.Duration
	messages []models.Message
	ids      map[string]struct{}
}

// NewStore creates an empty store. A window of zero uses DefaultCorrelationWindow.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	return &Store{window: window, ids: make(map[string]struct{})}
}

// AddPending inserts an optimistic message keyed by its client id.
func (s *Store) AddPending(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.DeliveryState = models.DeliveryPending
	if msg.ID == "" {
		msg.ID = msg.ClientID
	}
	if _, ok := s.ids[msg.ID]; ok {
		return
	}
	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.sortLocked()
}

// MarkFailed flags the pending message created with clientID as failed.
func (s *Store) MarkFailed(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ClientID == clientID && s.messages[i].Pending() {
			s.messages[i].DeliveryState = models.DeliveryFailed
			return true
		}
	}
	return false
}

// Merge adds a confirmed message. A known id is dropped; an echo of a
// pending send replaces that entry in place.
func (s *Store) Merge(msg models.Message) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(msg)
}

// MergeHistory merges a batch, typically a REST history page, and reports
// how many messages were new.
func (s *Store) MergeHistory(msgs []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, msg := range msgs {
		if s.mergeLocked(msg) != MergeDuplicate {
			added++
		}
	}
	return added
}

func (s *Store) mergeLocked(msg models.Message) MergeResult {
	if _, ok := s.ids[msg.ID]; ok {
		return MergeDuplicate
	}
	msg.DeliveryState = models.DeliverySent

	if i := s.matchPendingLocked(msg); i >= 0 {
		pending := s.messages[i]
		delete(s.ids, pending.ID)
		msg.ClientID = pending.ClientID
		s.messages[i] = msg
		s.ids[msg.ID] = struct{}{}
		s.sortLocked()
		return MergeReconciled
	}

	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.sortLocked()
	return MergeAccepted
}

// matchPendingLocked finds the oldest pending message from the same sender
// with the same content inside the correlation window.
func (s *Store) matchPendingLocked(msg models.Message) int {
	window := s.window.Milliseconds()
	for i, candidate := range s.messages {
		if !candidate.Pending() || candidate.SenderID != msg.SenderID || candidate.Content != msg.Content {
			continue
		}
		delta := msg.Timestamp - candidate.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return i
		}
	}
	return -1
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp < s.messages[j].Timestamp
	})
}

// Messages returns a copy of the ordered messages.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
