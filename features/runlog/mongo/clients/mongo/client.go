// Package mongo implements the low-level MongoDB client backing the Run
// Log's Mongo store: one collection for Run rows, one for Decision rows.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/ashep/runtime/runlog"
)

type (
	// Client exposes Mongo-backed operations for Run and Decision rows. It
	// takes and returns runlog domain types directly; bson document shapes
	// stay private to this package.
	Client interface {
		health.Pinger

		InsertRun(ctx context.Context, r *runlog.Run) error
		ReplaceRun(ctx context.Context, r *runlog.Run) error
		FindRun(ctx context.Context, id string) (*runlog.Run, bool, error)
		FindRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error)
		DeleteRun(ctx context.Context, id string) error

		InsertDecision(ctx context.Context, d *runlog.Decision, issueID string) error
		FindDecisionsByRun(ctx context.Context, runID string) ([]*runlog.Decision, error)
		FindDecisionsByIssue(ctx context.Context, issueID string, limit int) ([]*runlog.Decision, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client           *mongodriver.Client
		Database         string
		RunCollection    string
		DecisionCollection string
		Timeout          time.Duration
	}

	client struct {
		mongo     *mongodriver.Client
		runs      collection
		decisions collection
		timeout   time.Duration
	}
)

const (
	defaultRunCollection      = "ashep_runs"
	defaultDecisionCollection = "ashep_decisions"
	defaultTimeout            = 5 * time.Second
	clientName                = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runColl := opts.RunCollection
	if runColl == "" {
		runColl = defaultRunCollection
	}
	decisionColl := opts.DecisionCollection
	if decisionColl == "" {
		decisionColl = defaultDecisionCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	runWrapper := mongoCollection{coll: db.Collection(runColl)}
	decisionWrapper := mongoCollection{coll: db.Collection(decisionColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureRunIndexes(ctx, runWrapper); err != nil {
		return nil, err
	}
	if err := ensureDecisionIndexes(ctx, decisionWrapper); err != nil {
		return nil, err
	}

	return &client{mongo: opts.Client, runs: runWrapper, decisions: decisionWrapper, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

type runDocument struct {
	ID          string         `bson:"_id"`
	IssueID     string         `bson:"issue_id"`
	SessionID   string         `bson:"session_id"`
	AgentID     string         `bson:"agent_id"`
	PolicyName  string         `bson:"policy_name"`
	Phase       string         `bson:"phase"`
	Status      string         `bson:"status"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty"`
	Outcome     bson.M         `bson:"outcome"`
	Metadata    map[string]any `bson:"metadata"`
}

type decisionDocument struct {
	ID        string         `bson:"_id"`
	RunID     string         `bson:"run_id"`
	IssueID   string         `bson:"issue_id"`
	Type      string         `bson:"type"`
	Decision  string         `bson:"decision"`
	Reasoning string         `bson:"reasoning"`
	Metadata  map[string]any `bson:"metadata"`
	Timestamp time.Time      `bson:"timestamp"`
}

func toRunDoc(r *runlog.Run) (runDocument, error) {
	outcome, err := outcomeToBSON(r.Outcome)
	if err != nil {
		return runDocument{}, err
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return runDocument{
		ID: r.ID, IssueID: r.IssueID, SessionID: r.SessionID, AgentID: r.AgentID,
		PolicyName: r.PolicyName, Phase: r.Phase, Status: string(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, CompletedAt: r.CompletedAt,
		Outcome: outcome, Metadata: meta,
	}, nil
}

func fromRunDoc(doc runDocument) (*runlog.Run, error) {
	outcome, err := outcomeFromBSON(doc.Outcome)
	if err != nil {
		return nil, err
	}
	return &runlog.Run{
		ID: doc.ID, IssueID: doc.IssueID, SessionID: doc.SessionID, AgentID: doc.AgentID,
		PolicyName: doc.PolicyName, Phase: doc.Phase, Status: runlog.Status(doc.Status),
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt, CompletedAt: doc.CompletedAt,
		Outcome: outcome, Metadata: doc.Metadata,
	}, nil
}

func outcomeToBSON(o runlog.RunOutcome) (bson.M, error) {
	raw, err := bson.Marshal(o)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func outcomeFromBSON(m bson.M) (runlog.RunOutcome, error) {
	var o runlog.RunOutcome
	if m == nil {
		return o, nil
	}
	raw, err := bson.Marshal(m)
	if err != nil {
		return o, err
	}
	if err := bson.Unmarshal(raw, &o); err != nil {
		return o, err
	}
	return o, nil
}

func (c *client) InsertRun(ctx context.Context, r *runlog.Run) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc, err := toRunDoc(r)
	if err != nil {
		return err
	}
	_, err = c.runs.InsertOne(ctx, doc)
	return err
}

func (c *client) ReplaceRun(ctx context.Context, r *runlog.Run) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc, err := toRunDoc(r)
	if err != nil {
		return err
	}
	_, err = c.runs.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc)
	return err
}

func (c *client) FindRun(ctx context.Context, id string) (*runlog.Run, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := c.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r, err := fromRunDoc(doc)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (c *client) DeleteRun(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.runs.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (c *client) FindRuns(ctx context.Context, filter runlog.RunFilter) ([]*runlog.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := bson.M{}
	if filter.IssueID != "" {
		q["issue_id"] = filter.IssueID
	}
	if filter.AgentID != "" {
		q["agent_id"] = filter.AgentID
	}
	if filter.Phase != "" {
		q["phase"] = filter.Phase
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.CreatedAfter != nil || filter.CreatedBefore != nil {
		createdAt := bson.M{}
		if filter.CreatedAfter != nil {
			createdAt["$gt"] = *filter.CreatedAfter
		}
		if filter.CreatedBefore != nil {
			createdAt["$lt"] = *filter.CreatedBefore
		}
		q["created_at"] = createdAt
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit)).SetSkip(int64(filter.Offset))
	}

	cur, err := c.runs.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*runlog.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r, err := fromRunDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func toDecisionDoc(d *runlog.Decision, issueID string) decisionDocument {
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return decisionDocument{
		ID: d.ID, RunID: d.RunID, IssueID: issueID, Type: string(d.Type),
		Decision: d.Decision, Reasoning: d.Reasoning, Metadata: meta, Timestamp: d.Timestamp,
	}
}

func fromDecisionDoc(doc decisionDocument) *runlog.Decision {
	return &runlog.Decision{
		ID: doc.ID, RunID: doc.RunID, Type: runlog.DecisionType(doc.Type),
		Decision: doc.Decision, Reasoning: doc.Reasoning, Metadata: doc.Metadata, Timestamp: doc.Timestamp,
	}
}

func (c *client) InsertDecision(ctx context.Context, d *runlog.Decision, issueID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.decisions.InsertOne(ctx, toDecisionDoc(d, issueID))
	return err
}

func (c *client) FindDecisionsByRun(ctx context.Context, runID string) ([]*runlog.Decision, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.decisions.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*runlog.Decision
	for cur.Next(ctx) {
		var doc decisionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDecisionDoc(doc))
	}
	return out, cur.Err()
}

func (c *client) FindDecisionsByIssue(ctx context.Context, issueID string, limit int) ([]*runlog.Decision, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.decisions.Find(ctx, bson.M{"issue_id": issueID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*runlog.Decision
	for cur.Next(ctx) {
		var doc decisionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDecisionDoc(doc))
	}
	return out, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureRunIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "issue_id", Value: 1}, {Key: "phase", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	return err
}

func ensureDecisionIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "issue_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	FindOne(ctx context.Context, filter any) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptionsBuilder) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
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
