package persistence

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
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const defaultMongoDatabase = "collabhub"

type mongoUpdate struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	DocName   string             `bson:"docName"`
	Clock     int64              `bson:"clock"`
	Kind      string             `bson:"kind"`
	Value     []byte             `bson:"value"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// MongoStore keeps the update log in a MongoDB collection, one document per update.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       Options
}

// OpenMongoStore connects to uri and prepares the update collection. The database name comes
// from the URI path and defaults to "collabhub".
func OpenMongoStore(ctx context.Context, uri string, opts Options) (*MongoStore, error) {
	opts = opts.withDefaults()

	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mongo uri: %v", ErrInvalidURI, err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri).SetConnectTimeout(opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	store := &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(opts.Collection),
		opts:       opts,
	}

	_, err = store.collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "docName", Value: 1}, {Key: "clock", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mongo index: %w", err)
	}
	return store, nil
}

func (s *MongoStore) GetUpdates(ctx context.Context, docName string) ([][]byte, error) {
	rows, err := s.find(ctx, bson.M{"docName": docName})
	if err != nil {
		return nil, err
	}

	updates := make([][]byte, 0, len(rows))
	for _, row := range rows {
		expanded, err := expandRow(row.Kind, row.Value)
		if err != nil {
			return nil, fmt.Errorf("row %s of %q: %w", row.ID.Hex(), docName, err)
		}
		updates = append(updates, expanded...)
	}
	return updates, nil
}

func (s *MongoStore) StoreUpdate(ctx context.Context, docName string, update []byte) error {
	clock, err := s.nextClock(ctx, docName)
	if err != nil {
		return err
	}

	_, err = s.collection.InsertOne(ctx, mongoUpdate{
		DocName:   docName,
		Clock:     clock,
		Kind:      kindDelta,
		Value:     update,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append update for %q: %w", docName, err)
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"docName": docName})
	if err != nil {
		return fmt.Errorf("count updates for %q: %w", docName, err)
	}
	if count < int64(s.opts.FlushSize) {
		return nil
	}
	return s.Compact(ctx, docName, nil)
}

// Compact inserts the snapshot before removing the rows it replaces, so an interrupted
// compaction leaves duplicates rather than gaps.
func (s *MongoStore) Compact(ctx context.Context, docName string, state []byte) error {
	rows, err := s.find(ctx, bson.M{"docName": docName})
	if err != nil {
		return err
	}

	updates := make([][]byte, 0, len(rows)+1)
	var clock int64
	for _, row := range rows {
		expanded, err := expandRow(row.Kind, row.Value)
		if err != nil {
			return fmt.Errorf("row %s of %q: %w", row.ID.Hex(), docName, err)
		}
		updates = append(updates, expanded...)
		clock = row.Clock
	}
	if state != nil {
		updates = append(updates, state)
	}
	if len(updates) == 0 {
		return nil
	}

	payload, err := buildSnapshot(updates, s.opts.Merge)
	if err != nil {
		return err
	}

	res, err := s.collection.InsertOne(ctx, mongoUpdate{
		DocName:   docName,
		Clock:     clock,
		Kind:      kindSnapshot,
		Value:     payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write snapshot for %q: %w", docName, err)
	}

	_, err = s.collection.DeleteMany(ctx, bson.M{
		"docName": docName,
		"clock":   bson.M{"$lte": clock},
		"_id":     bson.M{"$ne": res.InsertedID},
	})
	if err != nil {
		return fmt.Errorf("truncate updates for %q: %w", docName, err)
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]mongoUpdate, error) {
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "clock", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []mongoUpdate
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return rows, nil
}

func (s *MongoStore) nextClock(ctx context.Context, docName string) (int64, error) {
	var last mongoUpdate
	err := s.collection.FindOne(ctx,
		bson.M{"docName": docName},
		options.FindOne().SetSort(bson.D{{Key: "clock", Value: -1}}),
	).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read clock for %q: %w", docName, err)
	}
	return last.Clock + 1, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
