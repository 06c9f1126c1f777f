package goal

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrNotFound is returned by MongoStore when a goal id has no document.
var ErrNotFound = errors.New("goal: not found")

// MongoStore persists GoalDesc manifests to MongoDB so a registry survives
// process restarts, keyed by goal id.
type MongoStore struct {
	collection *mongo.Collection
}

type descDocument struct {
	ID                string   `bson:"_id"`
	CandidateTags     []string `bson:"candidate_tags,omitempty"`
	RequiredTools     []string `bson:"required_tools,omitempty"`
	RequiredSlots     []int    `bson:"required_slots,omitempty"`
	AnySlotSufficient bool     `bson:"any_slot_sufficient"`
}

// NewMongoStore wraps an already-connected collection.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// Save upserts d's document.
func (s *MongoStore) Save(ctx context.Context, d Desc) error {
	doc := toDescDocument(d)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": d.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("goal: mongo save %q: %w", d.ID, err)
	}
	return nil
}

// Get retrieves a Desc by id.
func (s *MongoStore) Get(ctx context.Context, id string) (Desc, error) {
	var doc descDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Desc{}, ErrNotFound
		}
		return Desc{}, fmt.Errorf("goal: mongo get %q: %w", id, err)
	}
	return fromDescDocument(&doc), nil
}

// LoadAll loads every persisted Desc into r.
func (s *MongoStore) LoadAll(ctx context.Context, r *Registry) error {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("goal: mongo list: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []descDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return fmt.Errorf("goal: mongo list decode: %w", err)
	}
	for _, doc := range docs {
		if err := r.Register(fromDescDocument(&doc)); err != nil {
			return err
		}
	}
	return nil
}

func toDescDocument(d Desc) descDocument {
	return descDocument{
		ID:                d.ID,
		CandidateTags:     d.CandidateTags,
		RequiredTools:     d.RequiredTools,
		RequiredSlots:     d.RequiredSlots,
		AnySlotSufficient: d.AnySlotSufficient,
	}
}

func fromDescDocument(doc *descDocument) Desc {
	return Desc{
		ID:                doc.ID,
		CandidateTags:     doc.CandidateTags,
		RequiredTools:     doc.RequiredTools,
		RequiredSlots:     doc.RequiredSlots,
		AnySlotSufficient: doc.AnySlotSufficient,
	}
}
