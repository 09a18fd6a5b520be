package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
	"herald/pkg/migrations"
)

const eventsCounter = "events"

type eventDocument struct {
	ID          int64      `bson:"_id"`
	Type        string     `bson:"type"`
	Scope       string     `bson:"scope"`
	Payload     bson.Raw   `bson:"payload"`
	Processed   bool       `bson:"processed"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
}

func (d *eventDocument) toEvent() (*Event, error) {
	payload, err := bson.MarshalExtJSON(d.Payload, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload of event %d: %w", d.ID, err)
	}
	return &Event{
		ID:          d.ID,
		Type:        d.Type,
		Scope:       d.Scope,
		Payload:     payload,
		Processed:   d.Processed,
		ProcessedAt: d.ProcessedAt,
		CreatedAt:   d.CreatedAt,
	}, nil
}

// MongoRepository keeps events as documents with integer ids drawn from a
// counters collection, so ids stay comparable with the relational store.
type MongoRepository struct {
	events   *mongo.Collection
	counters *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		events:   db.Collection(migrations.EventsCollection),
		counters: db.Collection(migrations.CountersCollection),
	}
}

func observeMongo(op string, start time.Time, err *error) {
	metrics.ObserveDatabaseQuery("mongodb", op, time.Since(start), *err)
}

func (r *MongoRepository) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": eventsCounter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event id: %w", err)
	}
	return counter.Seq, nil
}

func (r *MongoRepository) Create(ctx context.Context, params CreateParams) (ev *Event, err error) {
	defer observeMongo("event_create", time.Now(), &err)

	var payload bson.Raw
	if err := bson.UnmarshalExtJSON(params.Payload, false, &payload); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("payload is not a JSON object").WithCause(err)
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := eventDocument{
		ID:        id,
		Type:      params.Type,
		Scope:     params.Scope,
		Payload:   payload,
		CreatedAt: createdAt.Truncate(time.Millisecond),
	}
	if _, err := r.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.ErrConflict.WithCause(err)
		}
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return doc.toEvent()
}

func (r *MongoRepository) FindByID(ctx context.Context, id int64) (ev *Event, err error) {
	defer observeMongo("event_find_by_id", time.Now(), &err)

	var doc eventDocument
	err = r.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return doc.toEvent()
}

func (r *MongoRepository) MarkProcessed(ctx context.Context, id int64, at time.Time) (err error) {
	defer observeMongo("event_mark_processed", time.Now(), &err)

	// The processed filter keeps the first processed_at on repeated calls.
	res, err := r.events.UpdateOne(ctx,
		bson.M{"_id": id, "processed": false},
		bson.M{"$set": bson.M{"processed": true, "processed_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.events.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithDetail("event_id", id)
	}
	return nil
}

func (r *MongoRepository) FindUnprocessed(ctx context.Context, olderThan time.Time, limit int) (events []Event, err error) {
	defer observeMongo("event_find_unprocessed", time.Now(), &err)

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.events.Find(ctx, bson.M{
		"processed":  false,
		"created_at": bson.M{"$lte": olderThan},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	events = make([]Event, 0, len(docs))
	for i := range docs {
		ev, err := docs[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}
