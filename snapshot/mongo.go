package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoDoc is the wire shape of a snapshot in MongoDB. The _id is
// "collection/id" so a single unique index arbitrates creation races.
type mongoDoc struct {
	Key        string `bson:"_id"`
	Collection string `bson:"collection"`
	DocID      string `bson:"doc_id"`
	Version    int64  `bson:"version"`
	Data       []byte `bson:"data"`
	UpdatedAt  int64  `bson:"updated_at"`
}

// MongoStore is the shared Store used in distributed mode. Every process
// talks to the same MongoDB; the filtered UpdateOne (and the unique _id on
// insert) is the sole arbiter of commit order, so no leader election is
// needed.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to the MongoDB at uri and uses the "snapshots"
// collection of the named database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("snapshot: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, &ErrUnavailable{Op: "connect", Cause: err}
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection("snapshots"),
	}, nil
}

func mongoKey(collection, id string) string { return collection + "/" + id }

// Client exposes the underlying connection so sibling stores (the op
// history) can share it.
func (s *MongoStore) Client() *mongo.Client { return s.client }

// Get returns the current snapshot of collection/id.
func (s *MongoStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoKey(collection, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, &ErrNotFound{Collection: collection, ID: id}
	}
	if err != nil {
		return Snapshot{}, &ErrUnavailable{Op: "get", Cause: err}
	}
	return Snapshot{Collection: collection, ID: id, Version: doc.Version, Data: doc.Data}, nil
}

// Put performs the conditional write described by the Store contract.
func (s *MongoStore) Put(ctx context.Context, collection, id string, expectedVersion int64, data []byte) (int64, error) {
	newVersion := expectedVersion + 1
	now := time.Now().Unix()

	if expectedVersion == 0 {
		_, err := s.coll.InsertOne(ctx, mongoDoc{
			Key:        mongoKey(collection, id),
			Collection: collection,
			DocID:      id,
			Version:    newVersion,
			Data:       data,
			UpdatedAt:  now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return 0, s.conflict(ctx, collection, id, expectedVersion)
		}
		if err != nil {
			return 0, &ErrUnavailable{Op: "put", Cause: err}
		}
		return newVersion, nil
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": mongoKey(collection, id), "version": expectedVersion},
		bson.M{"$set": bson.M{"version": newVersion, "data": data, "updated_at": now}})
	if err != nil {
		return 0, &ErrUnavailable{Op: "put", Cause: err}
	}
	if res.ModifiedCount == 0 {
		return 0, s.conflict(ctx, collection, id, expectedVersion)
	}
	return newVersion, nil
}

// conflict reads the current version so the error reports what beat the
// caller. A read failure here still surfaces as a conflict with Current 0;
// the resubmission path re-fetches the snapshot anyway.
func (s *MongoStore) conflict(ctx context.Context, collection, id string, expected int64) error {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoKey(collection, id)}).Decode(&doc)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return &ErrUnavailable{Op: "put", Cause: err}
	}
	return &ErrVersionConflict{Collection: collection, ID: id, Expected: expected, Current: doc.Version}
}

// Ping verifies the MongoDB deployment is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
