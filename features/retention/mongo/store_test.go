package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ashep/runtime/retention"
	"goa.design/ashep/runtime/runlog"
)

func TestStoreArchiveAndQuery(t *testing.T) {
	t.Parallel()

	s := &Store{coll: &fakeCollection{}, timeout: time.Second}
	run := runlog.Run{ID: "run-1", IssueID: "i1", Phase: "design", Status: runlog.StatusCompleted, CreatedAt: time.Unix(1, 0).UTC()}

	require.NoError(t, s.Archive(context.Background(), retention.ArchivedRecord{
		Kind: "run", Run: run, ArchiveReason: "age", ArchivedAt: time.Unix(2, 0).UTC(),
	}))

	got, err := s.QueryArchived(context.Background(), runlog.RunFilter{IssueID: "i1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].ID)
}

func TestStoreQueryArchived_FiltersByPhase(t *testing.T) {
	t.Parallel()

	s := &Store{coll: &fakeCollection{}, timeout: time.Second}
	require.NoError(t, s.Archive(context.Background(), retention.ArchivedRecord{
		Run: runlog.Run{ID: "r1", IssueID: "i1", Phase: "design"}, ArchivedAt: time.Unix(1, 0).UTC(),
	}))
	require.NoError(t, s.Archive(context.Background(), retention.ArchivedRecord{
		Run: runlog.Run{ID: "r2", IssueID: "i1", Phase: "implement"}, ArchivedAt: time.Unix(2, 0).UTC(),
	}))

	got, err := s.QueryArchived(context.Background(), runlog.RunFilter{IssueID: "i1", Phase: "implement"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)
}

type fakeCollection struct {
	docs []archiveDocument
}

func (c *fakeCollection) InsertOne(_ context.Context, document any) (*mongodriver.InsertOneResult, error) {
	c.docs = append(c.docs, document.(archiveDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any) (*mongodriver.DeleteResult, error) {
	id := filter.(bson.M)["_id"].(string)
	for i, d := range c.docs {
		if d.RunID == id {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return &mongodriver.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptionsBuilder) (cursor, error) {
	m, _ := filter.(bson.M)
	var out []archiveDocument
	for _, d := range c.docs {
		if issueID, ok := m["issue_id"].(string); ok && d.IssueID != issueID {
			continue
		}
		out = append(out, d)
	}
	return &fakeCursor{docs: out}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []archiveDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	*val.(*archiveDocument) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error              { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
