// Package inmem provides an in-memory implementation of messenger.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/messenger"
)

// approxMessageSize estimates the byte footprint of a stored Message: a
// crude proxy good enough for cleanup-threshold decisions, not an exact
// wire size.
func approxMessageSize(m *messenger.Message) int64 {
	n := len(m.ID) + len(m.IssueID) + len(m.FromPhase) + len(m.ToPhase) + len(m.Type) + len(m.Content)
	for k, v := range m.Metadata {
		n += len(k) + 16
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	return int64(n)
}

// Store implements messenger.Store in memory.
type Store struct {
	mu       sync.Mutex
	messages map[string]*messenger.Message
	archived map[string][]*messenger.ArchivedMessage // by issue ID
}

// New returns a new in-memory Phase Messenger store.
func New() *Store {
	return &Store{
		messages: make(map[string]*messenger.Message),
		archived: make(map[string][]*messenger.ArchivedMessage),
	}
}

func cloneMessage(m *messenger.Message) *messenger.Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// SendMessage implements messenger.Store.
func (s *Store) SendMessage(_ context.Context, msg messenger.Message) (*messenger.Message, error) {
	cp := msg
	if cp.ID == "" {
		cp.ID = ids.NewPrefixed("msg")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[cp.ID] = cloneMessage(&cp)
	return cloneMessage(&cp), nil
}

// ReceiveMessages implements messenger.Store.
func (s *Store) ReceiveMessages(_ context.Context, issueID, toPhase string, markRead bool) ([]*messenger.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*messenger.Message
	now := time.Now().UTC()
	for _, m := range s.messages {
		if m.IssueID != issueID || m.ToPhase != toPhase {
			continue
		}
		if markRead && m.ReadAt == nil {
			m.ReadAt = &now
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListMessages implements messenger.Store.
func (s *Store) ListMessages(_ context.Context, filter messenger.MessageFilter) ([]*messenger.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*messenger.Message
	for _, m := range s.messages {
		if !matchesFilter(m, filter) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(m *messenger.Message, filter messenger.MessageFilter) bool {
	if filter.IssueID != "" && m.IssueID != filter.IssueID {
		return false
	}
	if filter.FromPhase != "" && m.FromPhase != filter.FromPhase {
		return false
	}
	if filter.ToPhase != "" && m.ToPhase != filter.ToPhase {
		return false
	}
	if filter.Type != "" && m.Type != filter.Type {
		return false
	}
	if filter.UnreadOnly && m.ReadAt != nil {
		return false
	}
	return true
}

// ArchiveMessagesForIssue implements messenger.Store. Messages carry their
// full metadata into the archive; archival never deletes the live copy.
func (s *Store) ArchiveMessagesForIssue(_ context.Context, issueID, reason string) ([]*messenger.ArchivedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var archived []*messenger.ArchivedMessage
	for _, m := range s.messages {
		if m.IssueID != issueID {
			continue
		}
		archived = append(archived, &messenger.ArchivedMessage{
			Message:       *cloneMessage(m),
			ArchivedAt:    now,
			ArchiveReason: reason,
		})
	}
	s.archived[issueID] = append(s.archived[issueID], archived...)
	return archived, nil
}

// DeleteMessagesForIssue implements messenger.Store.
func (s *Store) DeleteMessagesForIssue(_ context.Context, issueID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, m := range s.messages {
		if m.IssueID == issueID {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// GetMessageStats implements messenger.Store.
func (s *Store) GetMessageStats(_ context.Context, issueID string) (messenger.MessageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := messenger.MessageStats{
		ByType:  make(map[messenger.MessageType]int),
		ByPhase: make(map[string]int),
	}
	for _, m := range s.messages {
		if issueID != "" && m.IssueID != issueID {
			continue
		}
		stats.Total++
		if m.ReadAt == nil {
			stats.Unread++
		}
		stats.ByType[m.Type]++
		stats.ByPhase[m.ToPhase]++
	}
	return stats, nil
}

// MessageSizeBytes implements messenger.Store.
func (s *Store) MessageSizeBytes(_ context.Context, issueID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, m := range s.messages {
		if issueID != "" && m.IssueID != issueID {
			continue
		}
		total += approxMessageSize(m)
	}
	return total, nil
}
