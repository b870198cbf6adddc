package messenger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/features/messenger/inmem"
	"goa.design/ashep/runtime/messenger"
)

type recordingNotifier struct{ notified []messenger.Message }

func (n *recordingNotifier) Notify(_ context.Context, msg messenger.Message) error {
	n.notified = append(n.notified, msg)
	return nil
}

func TestEngine_SendAndReceiveMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &recordingNotifier{}
	e := messenger.NewEngine(inmem.New(), messenger.WithNotifier(notifier))

	sent, err := e.SendMessage(ctx, messenger.Message{
		IssueID: "issue-1", FromPhase: "plan", ToPhase: "implement",
		Type: messenger.MessageContext, Content: "design notes",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, sent.ID, notifier.notified[0].ID)

	received, err := e.ReceiveMessages(ctx, "issue-1", "implement", true)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "design notes", received[0].Content)
	assert.NotNil(t, received[0].ReadAt)

	unread, err := e.ListMessages(ctx, messenger.MessageFilter{IssueID: "issue-1", UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestEngine_CleanupPhaseMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := messenger.NewEngine(inmem.New())

	_, err := e.SendMessage(ctx, messenger.Message{IssueID: "issue-2", ToPhase: "review", Type: messenger.MessageResult, Content: "done"})
	require.NoError(t, err)

	metric, err := e.CleanupPhaseMessages(ctx, "issue-2", "issue-closed")
	require.NoError(t, err)
	assert.Equal(t, 1, metric.Archived)
	assert.Equal(t, 1, metric.Deleted)
	assert.Greater(t, metric.SizeBefore, int64(0))
	assert.Equal(t, int64(0), metric.SizeAfter)

	remaining, err := e.ListMessages(ctx, messenger.MessageFilter{IssueID: "issue-2"})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	metrics := e.GetCleanupMetrics("issue-2")
	require.Len(t, metrics, 1)
	assert.Equal(t, "issue-closed", metrics[0].Reason)
}

func TestEngine_GetMessageStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := messenger.NewEngine(inmem.New())

	_, err := e.SendMessage(ctx, messenger.Message{IssueID: "issue-3", ToPhase: "plan", Type: messenger.MessageContext})
	require.NoError(t, err)
	_, err = e.SendMessage(ctx, messenger.Message{IssueID: "issue-3", ToPhase: "implement", Type: messenger.MessageData})
	require.NoError(t, err)

	stats, err := e.GetMessageStats(ctx, "issue-3")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Unread)
	assert.Equal(t, 1, stats.ByType[messenger.MessageContext])
	assert.Equal(t, 1, stats.ByType[messenger.MessageData])
}
