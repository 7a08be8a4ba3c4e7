package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
)

const intentsCollection = "outbox_intents"

// mongoEntry is the document shape for one queued intent.
type mongoEntry struct {
	ID             string     `bson:"id"`
	Kind           string     `bson:"kind"`
	BookingID      int64      `bson:"bookingid"`
	IdempotencyKey string     `bson:"idempotencykey"`
	AmountCents    int64      `bson:"amountcents"`
	Reason         string     `bson:"reason"`
	Template       string     `bson:"template"`
	RunAt          *time.Time `bson:"runat,omitempty"`
	Status         Status     `bson:"status"`
	Attempts       int        `bson:"attempts"`
	MaxAttempts    int        `bson:"maxattempts"`
	LastError      string     `bson:"lasterror"`
	NextAttemptAt  time.Time  `bson:"nextattemptat"`
	CreatedAt      time.Time  `bson:"createdat"`
	UpdatedAt      time.Time  `bson:"updatedat"`
}

func (e mongoEntry) toPending() PendingIntent {
	intent := booking.Intent{
		Kind:           booking.IntentKind(e.Kind),
		BookingID:      e.BookingID,
		IdempotencyKey: e.IdempotencyKey,
		AmountCents:    e.AmountCents,
		Reason:         e.Reason,
		Template:       booking.EmailTemplate(e.Template),
	}
	if e.RunAt != nil {
		intent.RunAt = e.RunAt.UTC()
	}
	return PendingIntent{
		ID:            e.ID,
		Intent:        intent,
		Status:        e.Status,
		Attempts:      e.Attempts,
		MaxAttempts:   e.MaxAttempts,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// MongoQueue persists intents in MongoDB for deployments already running the
// document store.
type MongoQueue struct {
	db          *mongo.Database
	maxAttempts int
}

// NewMongoQueue creates the queue and its dedupe index.
func NewMongoQueue(ctx context.Context, db *mongo.Database, maxAttempts int) (*MongoQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryConfig().MaxAttempts
	}
	q := &MongoQueue{db: db, maxAttempts: maxAttempts}

	_, err := db.Collection(intentsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "idempotencykey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: create index: %w", err)
	}
	return q, nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, intents []booking.Intent) error {
	coll := q.db.Collection(intentsCollection)
	now := time.Now().UTC()
	for _, intent := range intents {
		next := now
		var runAt *time.Time
		if !intent.RunAt.IsZero() {
			t := intent.RunAt.UTC()
			runAt = &t
			if t.After(now) {
				next = t
			}
		}
		entry := mongoEntry{
			ID:             clock.NewIntentID(),
			Kind:           string(intent.Kind),
			BookingID:      intent.BookingID,
			IdempotencyKey: intent.IdempotencyKey,
			AmountCents:    intent.AmountCents,
			Reason:         intent.Reason,
			Template:       string(intent.Template),
			RunAt:          runAt,
			Status:         StatusPending,
			MaxAttempts:    q.maxAttempts,
			NextAttemptAt:  next,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := coll.InsertOne(ctx, entry); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return fmt.Errorf("outbox: enqueue: %w", err)
		}
	}
	return nil
}

func (q *MongoQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]PendingIntent, error) {
	coll := q.db.Collection(intentsCollection)

	// FindOneAndUpdate claims entries one at a time so concurrent workers do
	// not double-process.
	var out []PendingIntent
	for len(out) < limit {
		filter := bson.M{
			"status":        StatusPending,
			"nextattemptat": bson.M{"$lte": now.UTC()},
		}
		update := bson.M{
			"$set": bson.M{"status": StatusProcessing, "updatedat": now.UTC()},
			"$inc": bson.M{"attempts": 1},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "nextattemptat", Value: 1}}).
			SetReturnDocument(options.After)

		var entry mongoEntry
		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&entry)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("outbox: dequeue: %w", err)
		}
		out = append(out, entry.toPending())
	}
	return out, nil
}

func (q *MongoQueue) MarkSucceeded(ctx context.Context, id string) error {
	return q.update(ctx, bson.M{"id": id}, bson.M{
		"$set": bson.M{"status": StatusSucceeded, "updatedat": time.Now().UTC()},
	})
}

func (q *MongoQueue) MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	coll := q.db.Collection(intentsCollection)
	var entry mongoEntry
	if err := coll.FindOne(ctx, bson.M{"id": id}).Decode(&entry); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return fmt.Errorf("outbox: mark failed: %w", err)
	}

	set := bson.M{"lasterror": lastError, "updatedat": time.Now().UTC()}
	if entry.Attempts >= entry.MaxAttempts {
		set["status"] = StatusDead
	} else {
		set["status"] = StatusPending
		set["nextattemptat"] = nextAttemptAt.UTC()
	}
	return q.update(ctx, bson.M{"id": id}, bson.M{"$set": set})
}

func (q *MongoQueue) MarkDead(ctx context.Context, id string, lastError string) error {
	return q.update(ctx, bson.M{"id": id}, bson.M{
		"$set": bson.M{"status": StatusDead, "lasterror": lastError, "updatedat": time.Now().UTC()},
	})
}

func (q *MongoQueue) DeadLetters(ctx context.Context, limit int) ([]PendingIntent, error) {
	coll := q.db.Collection(intentsCollection)
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedat", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := coll.Find(ctx, bson.M{"status": StatusDead}, opts)
	if err != nil {
		return nil, fmt.Errorf("outbox: dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []mongoEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("outbox: decode dead letters: %w", err)
	}
	out := make([]PendingIntent, len(entries))
	for i, e := range entries {
		out[i] = e.toPending()
	}
	return out, nil
}

func (q *MongoQueue) Requeue(ctx context.Context, id string) error {
	return q.update(ctx, bson.M{"id": id, "status": StatusDead}, bson.M{
		"$set": bson.M{
			"status":        StatusPending,
			"attempts":      0,
			"lasterror":     "",
			"nextattemptat": time.Now().UTC(),
			"updatedat":     time.Now().UTC(),
		},
	})
}

func (q *MongoQueue) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := q.db.Collection(intentsCollection).DeleteOne(ctx, bson.M{"id": id, "status": StatusDead})
	if err != nil {
		return fmt.Errorf("outbox: delete dead letter: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *MongoQueue) PendingCount(ctx context.Context) (int, error) {
	n, err := q.db.Collection(intentsCollection).CountDocuments(ctx, bson.M{
		"status": bson.M{"$in": []Status{StatusPending, StatusProcessing}},
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return int(n), nil
}

func (q *MongoQueue) update(ctx context.Context, filter, update bson.M) error {
	res, err := q.db.Collection(intentsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
