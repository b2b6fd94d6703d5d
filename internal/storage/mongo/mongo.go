// Package mongo implements the storage adapter on MongoDB. Executions and
// node execution records land as documents of their map form, so the BSON
// shape matches the JSON snapshot shape of the other adapters.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/platform/config"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/workflow"
)

// Store is the MongoDB storage adapter.
type Store struct {
	client         *mongo.Client
	workflows      *mongo.Collection
	executions     *mongo.Collection
	nodeExecutions *mongo.Collection
}

var _ storage.Adapter = (*Store)(nil)

// New connects to MongoDB and binds the collections.
func New(ctx context.Context, cfg config.MongoConfig) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:         client,
		workflows:      db.Collection("workflows"),
		executions:     db.Collection("executions"),
		nodeExecutions: db.Collection("node_executions"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("ensure execution index: %w", err)
	}
	_, err = s.nodeExecutions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "node_key", Value: 1},
			{Key: "run_index", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure node execution index: %w", err)
	}
	return nil
}

// CreateWorkflow inserts a workflow document keyed by the workflow id.
func (s *Store) CreateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	doc := workflowDoc(record)
	_, err := s.workflows.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetWorkflow loads one workflow document.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*storage.WorkflowRecord, error) {
	var doc workflowDocument
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

// UpdateWorkflow replaces the workflow document.
func (s *Store) UpdateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	result, err := s.workflows.ReplaceOne(ctx,
		bson.M{"_id": record.Workflow.ID}, workflowDoc(record))
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes the workflow document.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := s.workflows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListWorkflows queries with the filter pushed down where the document
// shape allows it; NameContains filters server side with a regex.
func (s *Store) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*storage.WorkflowRecord, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if len(filter.Tags) > 0 {
		query["tags"] = bson.M{"$all": filter.Tags}
	}
	created := bson.M{}
	if filter.CreatedAfter != nil {
		created["$gt"] = *filter.CreatedAfter
	}
	if filter.CreatedBefore != nil {
		created["$lt"] = *filter.CreatedBefore
	}
	if len(created) > 0 {
		query["created_at"] = created
	}
	if filter.NameContains != "" {
		query["name"] = bson.M{"$regex": filter.NameContains, "$options": "i"}
	}

	cursor, err := s.workflows.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*storage.WorkflowRecord
	for cursor.Next(ctx) {
		var doc workflowDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.record())
	}
	return out, cursor.Err()
}

// CreateExecution inserts a fresh execution snapshot.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	doc := bson.M(exec.ToMap())
	doc["_id"] = exec.ID
	_, err := s.executions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetExecution rebuilds the execution from its document.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.WorkflowExecution, error) {
	var doc map[string]interface{}
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return execution.FromMap(normalize(doc).(map[string]interface{}))
}

// UpdateExecution replaces the execution document, keeping suspension
// bookkeeping fields written by SuspendExecution.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	doc := bson.M(exec.ToMap())
	doc["_id"] = exec.ID
	result, err := s.executions.ReplaceOne(ctx, bson.M{"_id": exec.ID}, doc)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListExecutions loads all executions of one workflow.
func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]*execution.WorkflowExecution, error) {
	cursor, err := s.executions.Find(ctx, bson.M{"workflow_id": workflowID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*execution.WorkflowExecution
	for cursor.Next(ctx) {
		var doc map[string]interface{}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := execution.FromMap(normalize(doc).(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, cursor.Err()
}

// CreateNodeExecution upserts one attempt record.
func (s *Store) CreateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	return s.upsertNodeExecution(ctx, executionID, ne)
}

// UpdateNodeExecution upserts one attempt record.
func (s *Store) UpdateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	return s.upsertNodeExecution(ctx, executionID, ne)
}

func (s *Store) upsertNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	doc := bson.M(ne.ToMap())
	doc["execution_id"] = executionID
	_, err := s.nodeExecutions.ReplaceOne(ctx,
		bson.M{
			"execution_id": executionID,
			"node_key":     ne.NodeKey,
			"run_index":    ne.RunIndex,
		},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

// GetNodeExecutions loads every attempt record of one execution.
func (s *Store) GetNodeExecutions(ctx context.Context, executionID string) (map[string][]*execution.NodeExecution, error) {
	cursor, err := s.nodeExecutions.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{
			{Key: "node_key", Value: 1},
			{Key: "run_index", Value: 1},
		}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[string][]*execution.NodeExecution)
	for cursor.Next(ctx) {
		var doc map[string]interface{}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		delete(doc, "_id")
		delete(doc, "execution_id")
		ne, err := execution.NodeExecutionFromMap(normalize(doc).(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		out[ne.NodeKey] = append(out[ne.NodeKey], ne)
	}
	return out, cursor.Err()
}

// SuspendExecution stores the resume token on the execution document.
func (s *Store) SuspendExecution(ctx context.Context, id, resumeToken string) error {
	result, err := s.executions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"resume_token":     resumeToken,
			"suspension_index": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResumeExecution clears the suspension bookkeeping fields.
func (s *Store) ResumeExecution(ctx context.Context, id string) error {
	result, err := s.executions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$unset": bson.M{"resume_token": "", "suspension_index": ""},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSuspendedExecutions lists executions holding a resume token.
func (s *Store) GetSuspendedExecutions(ctx context.Context) ([]*storage.SuspendedExecution, error) {
	cursor, err := s.executions.Find(ctx,
		bson.M{"resume_token": bson.M{"$exists": true}},
		options.Find().
			SetSort(bson.D{{Key: "suspension_index", Value: 1}}).
			SetProjection(bson.M{"_id": 1, "resume_token": 1, "suspension_index": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*storage.SuspendedExecution
	for cursor.Next(ctx) {
		var doc struct {
			ID          string    `bson:"_id"`
			ResumeToken string    `bson:"resume_token"`
			SuspendedAt time.Time `bson:"suspension_index"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &storage.SuspendedExecution{
			ExecutionID: doc.ID,
			ResumeToken: doc.ResumeToken,
			SuspendedAt: doc.SuspendedAt,
		})
	}
	return out, cursor.Err()
}

// HealthCheck pings the primary.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

type workflowDocument struct {
	ID         string             `bson:"_id"`
	Name       string             `bson:"name"`
	Status     string             `bson:"status"`
	Tags       []string           `bson:"tags"`
	Definition *workflow.Workflow `bson:"definition"`
	CreatedAt  time.Time          `bson:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at"`
}

func workflowDoc(record *storage.WorkflowRecord) workflowDocument {
	return workflowDocument{
		ID:         record.Workflow.ID,
		Name:       record.Workflow.Name,
		Status:     record.Status,
		Tags:       record.Tags,
		Definition: record.Workflow,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}

func (d workflowDocument) record() *storage.WorkflowRecord {
	return &storage.WorkflowRecord{
		Workflow:  d.Definition,
		Status:    d.Status,
		Tags:      d.Tags,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// normalize rewrites BSON decode artifacts (primitive.M, primitive.A,
// primitive.DateTime) into the plain map/slice/string shapes FromMap
// expects.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
