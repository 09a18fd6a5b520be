package migrations

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	EventsCollection   = "events"
	CountersCollection = "counters"
)

// EnsureMongoCollections creates the indexes the event log relies on.
// CreateMany is idempotent for identical index definitions.
func EnsureMongoCollections(ctx context.Context, db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "processed", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().
				SetName("idx_events_unprocessed").
				SetPartialFilterExpression(bson.D{{Key: "processed", Value: false}}),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "scope", Value: 1}},
			Options: options.Index().SetName("idx_events_type_scope"),
		},
	}

	if _, err := db.Collection(EventsCollection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return nil
}
