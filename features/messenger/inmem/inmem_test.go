package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/features/messenger/inmem"
	"goa.design/ashep/runtime/messenger"
)

func TestStore_SendListFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	_, err := s.SendMessage(ctx, messenger.Message{IssueID: "i1", FromPhase: "plan", ToPhase: "implement", Type: messenger.MessageContext, Content: "a"})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, messenger.Message{IssueID: "i1", FromPhase: "implement", ToPhase: "review", Type: messenger.MessageResult, Content: "b"})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, messenger.Message{IssueID: "i2", ToPhase: "plan", Type: messenger.MessageData, Content: "c"})
	require.NoError(t, err)

	all, err := s.ListMessages(ctx, messenger.MessageFilter{IssueID: "i1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyReview, err := s.ListMessages(ctx, messenger.MessageFilter{IssueID: "i1", ToPhase: "review"})
	require.NoError(t, err)
	require.Len(t, onlyReview, 1)
	assert.Equal(t, "b", onlyReview[0].Content)
}

func TestStore_ReceiveMarksRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	_, err := s.SendMessage(ctx, messenger.Message{IssueID: "i1", ToPhase: "implement", Type: messenger.MessageContext})
	require.NoError(t, err)

	first, err := s.ReceiveMessages(ctx, "i1", "implement", true)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.NotNil(t, first[0].ReadAt)

	unread, err := s.ListMessages(ctx, messenger.MessageFilter{IssueID: "i1", UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestStore_ArchiveThenDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	_, err := s.SendMessage(ctx, messenger.Message{IssueID: "i1", ToPhase: "implement", Type: messenger.MessageContext, Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)

	archived, err := s.ArchiveMessagesForIssue(ctx, "i1", "cleanup")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "cleanup", archived[0].ArchiveReason)
	assert.Equal(t, "v", archived[0].Message.Metadata["k"])

	deleted, err := s.DeleteMessagesForIssue(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := s.ListMessages(ctx, messenger.MessageFilter{IssueID: "i1"})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStore_MessageSizeBytes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New()

	size, err := s.MessageSizeBytes(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	_, err = s.SendMessage(ctx, messenger.Message{IssueID: "i1", ToPhase: "implement", Content: "hello world"})
	require.NoError(t, err)

	size, err = s.MessageSizeBytes(ctx, "i1")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
