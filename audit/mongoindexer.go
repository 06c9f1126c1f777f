package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/sisegod/machina/hooks"
)

// MongoIndexer mirrors audit events into a MongoDB collection for queryable
// operator dashboards. It is additive: the JSONL file written by Log remains
// the record of truth, and MongoIndexer is registered as a hooks.Subscriber
// on an optional hooks.Bus passed via Options.Bus.
type MongoIndexer struct {
	collection *mongo.Collection
	timeout    time.Duration
}

type eventDocument struct {
	RunID     string         `bson:"run_id"`
	Step      int            `bson:"step"`
	Event     string         `bson:"event"`
	TS        int64          `bson:"ts"`
	ChainHash string         `bson:"chain_hash"`
	Payload   map[string]any `bson:"payload"`
}

const defaultIndexerTimeout = 5 * time.Second

// NewMongoIndexer wraps an already-connected collection.
func NewMongoIndexer(collection *mongo.Collection) *MongoIndexer {
	return &MongoIndexer{collection: collection, timeout: defaultIndexerTimeout}
}

// HandleEvent implements hooks.Subscriber.
func (m *MongoIndexer) HandleEvent(ctx context.Context, event hooks.Event) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc := eventDocument{
		RunID:     event.RunID,
		Step:      event.Step,
		Event:     event.Name,
		TS:        event.TS,
		ChainHash: event.ChainHash,
		Payload:   event.Payload,
	}
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("audit: mongo indexer insert: %w", err)
	}
	return nil
}

// Query returns every indexed event for runID in insertion order, for
// operator tooling that wants to query the mirror instead of re-reading the
// JSONL file.
func (m *MongoIndexer) Query(ctx context.Context, runID string) ([]Entry, error) {
	cursor, err := m.collection.Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("audit: mongo indexer query: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("audit: mongo indexer query decode: %w", err)
	}
	entries := make([]Entry, len(docs))
	for i, doc := range docs {
		entries[i] = Entry{
			RunID:     doc.RunID,
			Step:      doc.Step,
			Event:     doc.Event,
			TS:        doc.TS,
			ChainHash: doc.ChainHash,
			Payload:   doc.Payload,
		}
	}
	return entries, nil
}
