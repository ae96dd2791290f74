package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

const (
	ExecutionsCollection = "executions"

	maxUpdateRetries = 8
)

// recordDoc is the stored shape of an execution record. The record body
// is kept as a JSON payload so parameter values of any shape round-trip
// unchanged; status and started_at are lifted out for indexing.
type recordDoc struct {
	ID        string     `bson:"_id"`
	Version   int64      `bson:"version"`
	Status    string     `bson:"status"`
	StartedAt *time.Time `bson:"started_at,omitempty"`
	Payload   string     `bson:"payload"`
}

// MongoStore keeps execution records in a MongoDB collection. Updates use
// optimistic concurrency on the version field.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(ExecutionsCollection)}
}

// EnsureIndexes creates the indexes used by listing.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
		{Keys: bson.M{"status": 1}},
	})
	return err
}

func toDoc(rec *models.ExecutionRecord) (recordDoc, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return recordDoc{}, fmt.Errorf("encode execution %s: %w", rec.TaskID, err)
	}
	return recordDoc{
		ID:        rec.TaskID,
		Version:   rec.Version,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		Payload:   string(payload),
	}, nil
}

func fromDoc(doc recordDoc) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := json.Unmarshal([]byte(doc.Payload), &rec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", doc.ID, err)
	}
	rec.Version = doc.Version
	return &rec, nil
}

func (s *MongoStore) Create(ctx context.Context, rec *models.ExecutionRecord) error {
	doc, err := toDoc(rec)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("execution %s already exists", rec.TaskID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var doc recordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find execution: %w", err)
	}
	return fromDoc(doc)
}

func (s *MongoStore) List(ctx context.Context) ([]*models.ExecutionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []recordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	out := make([]*models.ExecutionRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	SortByStartedDesc(out)
	return out, nil
}

func (s *MongoStore) Update(ctx context.Context, id string, fn func(*models.ExecutionRecord) error) (*models.ExecutionRecord, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return nil, err
		}
		doc, err := toDoc(next)
		if err != nil {
			return nil, err
		}
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "version": current.Version},
			bson.M{"$set": bson.M{
				"version":    doc.Version,
				"status":     doc.Status,
				"started_at": doc.StartedAt,
				"payload":    doc.Payload,
			}},
		)
		if err != nil {
			return nil, fmt.Errorf("update execution: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: execution %s", ErrConflict, id)
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
