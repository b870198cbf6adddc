// Package pulse exposes a messenger.Notifier implementation that publishes
// a lightweight "message available" signal to goa.design/pulse streams:
// callers build a Redis client, pass it to a Pulse client, and hand the
// resulting notifier to the Phase Messenger so waiting phases don't have to
// poll ReceiveMessages.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/ashep/features/messenger/pulse/clients/pulse"
	"goa.design/ashep/runtime/messenger"
)

type (
	// Options configures the Pulse notifier.
	Options struct {
		// Client is the Pulse client used to publish notifications. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from a message. Defaults
		// to `phase/<IssueID>/<ToPhase>`.
		StreamID func(messenger.Message) (string, error)
	}

	// Notifier publishes a signal Envelope to Pulse whenever a Message is
	// sent, so a phase blocked in ReceiveMessages can wake up immediately
	// instead of waiting for its next poll interval.
	Notifier struct {
		client   pulse.Client
		streamID func(messenger.Message) (string, error)
	}

	// signalEnvelope is the JSON payload published to the phase's stream.
	signalEnvelope struct {
		MessageID string    `json:"message_id"`
		IssueID   string    `json:"issue_id"`
		FromPhase string    `json:"from_phase"`
		ToPhase   string    `json:"to_phase"`
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}
)

// New constructs a Pulse-backed Notifier. The Client field in opts is
// required; StreamID defaults to the built-in derivation if not provided.
func New(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Notifier{client: opts.Client, streamID: streamID}, nil
}

// Notify publishes a signal envelope to the stream derived from msg.
func (n *Notifier) Notify(ctx context.Context, msg messenger.Message) error {
	id, err := n.streamID(msg)
	if err != nil {
		return err
	}
	handle, err := n.client.Stream(id)
	if err != nil {
		return err
	}
	env := signalEnvelope{
		MessageID: msg.ID,
		IssueID:   msg.IssueID,
		FromPhase: msg.FromPhase,
		ToPhase:   msg.ToPhase,
		Type:      string(msg.Type),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, "message_sent", payload)
	return err
}

// defaultStreamID derives the Pulse stream name from a message's issue and
// destination phase.
func defaultStreamID(msg messenger.Message) (string, error) {
	if msg.IssueID == "" || msg.ToPhase == "" {
		return "", fmt.Errorf("messenger pulse: message missing issue id or to_phase")
	}
	return fmt.Sprintf("phase/%s/%s", msg.IssueID, msg.ToPhase), nil
}
