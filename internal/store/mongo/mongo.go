// Package mongo is the MongoDB operational store: one collection per kind,
// documents keyed by "zone|datetime".
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "mongo: ping")
	}

	s := &Store{client: client, db: client.Database(database), logger: logger}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info("mongo: connected", zap.String("database", database))
	return s, nil
}

// EnsureIndexes creates the identity and sync-cursor indexes for every kind.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, kind := range energy.Kinds {
		_, err := s.collection(kind).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "zone", Value: 1}, {Key: "datetime", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("zone_datetime"),
			},
			{
				Keys:    bson.D{{Key: "written_at", Value: 1}, {Key: "_id", Value: 1}},
				Options: options.Index().SetName("sync_cursor"),
			},
		})
		if err != nil {
			return eris.Wrapf(err, "mongo: create indexes on %s", kind.Table())
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) collection(kind energy.Kind) *mongo.Collection {
	return s.db.Collection(kind.Table())
}

// maxUpsertAttempts bounds retries when a concurrent writer keeps changing
// the document between the guarded replace and the follow-up read.
const maxUpsertAttempts = 3

// Upsert writes the row unless the stored content is identical or belongs to a
// newer run. The guard is part of the replace filter, so the decision and the
// write are one atomic single-document operation.
func (s *Store) Upsert(ctx context.Context, row energy.Row) (energy.UpsertOutcome, error) {
	coll := s.collection(row.Key.Kind)
	id := row.Key.DocID()
	filter := bson.M{
		"_id":          id,
		"run_at":       bson.M{"$lte": row.RunAt},
		"content_hash": bson.M{"$ne": row.Hash},
	}

	for attempt := 1; ; attempt++ {
		res, err := coll.ReplaceOne(ctx, filter, toDocument(row), options.Replace().SetUpsert(true))
		if err == nil {
			if res.UpsertedCount > 0 {
				return energy.OutcomeInserted, nil
			}
			return energy.OutcomeUpdated, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, eris.Wrapf(err, "mongo: upsert %s", row.Key)
		}

		// The document exists but the guard excluded it.
		outcome, ok, err := s.classify(ctx, coll, id, row)
		if err != nil {
			return 0, err
		}
		if ok {
			return outcome, nil
		}
		if attempt == maxUpsertAttempts {
			return 0, eris.Errorf("mongo: upsert %s: document changed concurrently %d times", row.Key, attempt)
		}
	}
}

// classify explains why the guarded replace skipped an existing document. It
// reports false when the document no longer blocks the write.
func (s *Store) classify(ctx context.Context, coll *mongo.Collection, id string, row energy.Row) (energy.UpsertOutcome, bool, error) {
	var existing struct {
		Hash  string    `bson:"content_hash"`
		RunAt time.Time `bson:"run_at"`
	}
	err := coll.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"content_hash": 1, "run_at": 1}),
	).Decode(&existing)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, false, nil
	case err != nil:
		return 0, false, eris.Wrapf(err, "mongo: load %s", row.Key)
	case existing.Hash == row.Hash:
		return energy.OutcomeUnchanged, true, nil
	case existing.RunAt.After(row.RunAt):
		return energy.OutcomeStale, true, nil
	}
	return 0, false, nil
}

// ChangedSince pages through documents after the checkpoint using the sync_cursor index.
func (s *Store) ChangedSince(ctx context.Context, kind energy.Kind, after energy.Checkpoint, limit int) ([]energy.Row, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"written_at": bson.M{"$gt": after.WrittenAt}},
		bson.M{"written_at": after.WrittenAt, "_id": bson.M{"$gt": after.DocID}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "written_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection(kind).Find(ctx, filter, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: find changed %s", kind.Table())
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, eris.Wrapf(err, "mongo: decode changed %s", kind.Table())
	}
	rows := make([]energy.Row, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, d.row())
	}
	return rows, nil
}

func (s *Store) Prune(ctx context.Context, kind energy.Kind, before time.Time) (int64, error) {
	res, err := s.collection(kind).DeleteMany(ctx, bson.M{"datetime": bson.M{"$lt": before}})
	if err != nil {
		return 0, eris.Wrapf(err, "mongo: prune %s", kind.Table())
	}
	return res.DeletedCount, nil
}
