// Package messenger is the Phase Messenger: durable, typed inter-phase
// messages with read tracking and per-issue archival/cleanup.
package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type (
	// MessageType discriminates the purpose of a Message.
	MessageType string

	// Message is one durable inter-phase message.
	Message struct {
		ID         string
		IssueID    string
		FromPhase  string
		ToPhase    string
		Type       MessageType
		Content    string
		Metadata   map[string]any
		RunCounter int
		CreatedAt  time.Time
		ReadAt     *time.Time
	}

	// MessageFilter narrows ListMessages. Zero-valued fields are
	// unconstrained.
	MessageFilter struct {
		IssueID    string
		FromPhase  string
		ToPhase    string
		Type       MessageType
		UnreadOnly bool
		Limit      int
		Offset     int
	}

	// MessageStats summarizes the messages recorded for an issue (or, if
	// IssueID is empty when queried, across all issues).
	MessageStats struct {
		Total   int
		Unread  int
		ByType  map[MessageType]int
		ByPhase map[string]int
	}

	// CleanupMetric records one archive-then-delete cleanup pass.
	CleanupMetric struct {
		IssueID    string
		Reason     string
		Archived   int
		Deleted    int
		SizeBefore int64
		SizeAfter  int64
		StartedAt  time.Time
		Duration   time.Duration
	}

	// ArchivedMessage is a Message moved to cold storage. Archival never
	// loses data: the full message plus archive bookkeeping is retained.
	ArchivedMessage struct {
		Message       Message
		ArchivedAt    time.Time
		ArchiveReason string
	}

	// Store is the durable backing for the Phase Messenger. Implementations
	// must make SendMessage assign a stable ID and CreatedAt if unset.
	Store interface {
		SendMessage(ctx context.Context, msg Message) (*Message, error)
		ReceiveMessages(ctx context.Context, issueID, toPhase string, markRead bool) ([]*Message, error)
		ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
		ArchiveMessagesForIssue(ctx context.Context, issueID, reason string) ([]*ArchivedMessage, error)
		DeleteMessagesForIssue(ctx context.Context, issueID string) (int, error)
		GetMessageStats(ctx context.Context, issueID string) (MessageStats, error)
		MessageSizeBytes(ctx context.Context, issueID string) (int64, error)
	}

	// Notifier is an optional real-time delivery hint: after a message is
	// durably stored, Notify pushes a lightweight signal so a waiting phase
	// doesn't have to poll ReceiveMessages. Failure to notify never fails
	// SendMessage — the message is already durable in Store.
	Notifier interface {
		Notify(ctx context.Context, msg Message) error
	}

	// Engine is the Phase Messenger: a Store plus an optional Notifier and
	// an in-process ledger of CleanupMetric history.
	Engine struct {
		store    Store
		notifier Notifier

		mu      sync.Mutex
		history []CleanupMetric
	}

	// Option configures an Engine.
	Option func(*Engine)
)

const (
	MessageContext  MessageType = "context"
	MessageResult   MessageType = "result"
	MessageDecision MessageType = "decision"
	MessageData     MessageType = "data"
)

// WithNotifier attaches a real-time delivery Notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine builds a Phase Messenger over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SendMessage durably records msg, then best-effort notifies any configured
// Notifier. The returned Message carries its assigned ID and CreatedAt.
func (e *Engine) SendMessage(ctx context.Context, msg Message) (*Message, error) {
	stored, err := e.store.SendMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("messenger: send message: %w", err)
	}
	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, *stored)
	}
	return stored, nil
}

// ReceiveMessages returns the messages addressed to toPhase within issueID,
// marking them read unless markRead is false.
func (e *Engine) ReceiveMessages(ctx context.Context, issueID, toPhase string, markRead bool) ([]*Message, error) {
	msgs, err := e.store.ReceiveMessages(ctx, issueID, toPhase, markRead)
	if err != nil {
		return nil, fmt.Errorf("messenger: receive messages: %w", err)
	}
	return msgs, nil
}

// ListMessages returns every message matching filter.
func (e *Engine) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	msgs, err := e.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("messenger: list messages: %w", err)
	}
	return msgs, nil
}

// ArchiveMessagesForIssue moves every message of issueID to cold storage
// (tagging each with reason and the current time) without deleting them,
// and returns the count archived.
func (e *Engine) ArchiveMessagesForIssue(ctx context.Context, issueID, reason string) (int, error) {
	archived, err := e.store.ArchiveMessagesForIssue(ctx, issueID, reason)
	if err != nil {
		return 0, fmt.Errorf("messenger: archive messages: %w", err)
	}
	return len(archived), nil
}

// CleanupPhaseMessages archives then deletes every message of issueID,
// recording a CleanupMetric with the size before and after.
func (e *Engine) CleanupPhaseMessages(ctx context.Context, issueID, reason string) (CleanupMetric, error) {
	start := time.Now()
	sizeBefore, err := e.store.MessageSizeBytes(ctx, issueID)
	if err != nil {
		return CleanupMetric{}, fmt.Errorf("messenger: size before cleanup: %w", err)
	}

	archived, err := e.store.ArchiveMessagesForIssue(ctx, issueID, reason)
	if err != nil {
		return CleanupMetric{}, fmt.Errorf("messenger: archive before cleanup: %w", err)
	}

	deleted, err := e.store.DeleteMessagesForIssue(ctx, issueID)
	if err != nil {
		return CleanupMetric{}, fmt.Errorf("messenger: delete after archive: %w", err)
	}

	sizeAfter, err := e.store.MessageSizeBytes(ctx, issueID)
	if err != nil {
		return CleanupMetric{}, fmt.Errorf("messenger: size after cleanup: %w", err)
	}

	metric := CleanupMetric{
		IssueID:    issueID,
		Reason:     reason,
		Archived:   len(archived),
		Deleted:    deleted,
		SizeBefore: sizeBefore,
		SizeAfter:  sizeAfter,
		StartedAt:  start,
		Duration:   time.Since(start),
	}

	e.mu.Lock()
	e.history = append(e.history, metric)
	e.mu.Unlock()

	return metric, nil
}

// GetMessageStats summarizes the messages recorded for issueID, or across
// every issue if issueID is empty.
func (e *Engine) GetMessageStats(ctx context.Context, issueID string) (MessageStats, error) {
	stats, err := e.store.GetMessageStats(ctx, issueID)
	if err != nil {
		return MessageStats{}, fmt.Errorf("messenger: message stats: %w", err)
	}
	return stats, nil
}

// GetCleanupMetrics returns recorded CleanupMetric entries, filtered to
// issueID if non-empty, most recent first.
func (e *Engine) GetCleanupMetrics(issueID string) []CleanupMetric {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []CleanupMetric
	for i := len(e.history) - 1; i >= 0; i-- {
		m := e.history[i]
		if issueID != "" && m.IssueID != issueID {
			continue
		}
		out = append(out, m)
	}
	return out
}
