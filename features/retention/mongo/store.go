// Package mongo implements retention.ArchiveStore over a MongoDB collection,
// in the same client shape as features/runlog/mongo: a small wrapper
// interface around the concrete driver collection so tests can substitute a
// fake, bson documents kept private, and the public surface typed in the
// retention domain.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/ashep/runtime/retention"
	"goa.design/ashep/runtime/runlog"
)

type (
	// Options configures the archive store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store implements retention.ArchiveStore.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}
)

const (
	defaultCollection = "ashep_archived_runs"
	defaultTimeout    = 5 * time.Second
)

// New returns an archive store backed by opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}

	return &Store{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

// Ping implements retention.ArchiveStore.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

type archiveDocument struct {
	RunID         string         `bson:"_id"`
	IssueID       string         `bson:"issue_id"`
	Kind          string         `bson:"kind"`
	Run           bson.M         `bson:"run"`
	ArchiveReason string         `bson:"archive_reason"`
	ArchivedAt    time.Time      `bson:"archived_at"`
}

func toArchiveDoc(rec retention.ArchivedRecord) (archiveDocument, error) {
	raw, err := bson.Marshal(rec.Run)
	if err != nil {
		return archiveDocument{}, err
	}
	var run bson.M
	if err := bson.Unmarshal(raw, &run); err != nil {
		return archiveDocument{}, err
	}
	return archiveDocument{
		RunID: rec.Run.ID, IssueID: rec.Run.IssueID, Kind: rec.Kind,
		Run: run, ArchiveReason: rec.ArchiveReason, ArchivedAt: rec.ArchivedAt,
	}, nil
}

func fromArchiveDoc(doc archiveDocument) (*runlog.Run, error) {
	raw, err := bson.Marshal(doc.Run)
	if err != nil {
		return nil, err
	}
	var r runlog.Run
	if err := bson.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Archive implements retention.ArchiveStore. Re-archiving the same Run is
// idempotent: any existing record for the Run ID is replaced.
func (s *Store) Archive(ctx context.Context, rec retention.ArchivedRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := toArchiveDoc(rec)
	if err != nil {
		return err
	}
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": doc.RunID}); err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

// QueryArchived implements retention.ArchiveStore.
func (s *Store) QueryArchived(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := bson.M{}
	if filter.IssueID != "" {
		q["issue_id"] = filter.IssueID
	}
	if filter.CreatedAfter != nil || filter.CreatedBefore != nil {
		archivedAt := bson.M{}
		if filter.CreatedAfter != nil {
			archivedAt["$gt"] = *filter.CreatedAfter
		}
		if filter.CreatedBefore != nil {
			archivedAt["$lt"] = *filter.CreatedBefore
		}
		q["archived_at"] = archivedAt
	}

	opts := options.Find().SetSort(bson.D{{Key: "archived_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit)).SetSkip(int64(filter.Offset))
	}

	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*runlog.Run
	for cur.Next(ctx) {
		var doc archiveDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r, err := fromArchiveDoc(doc)
		if err != nil {
			return nil, err
		}
		if filter.Phase != "" && r.Phase != filter.Phase {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "issue_id", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "archived_at", Value: -1}},
	})
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptionsBuilder) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptionsBuilder) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
