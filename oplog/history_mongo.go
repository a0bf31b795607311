package oplog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoOp is the wire shape of a committed operation in MongoDB. The _id is
// "collection/id/version" so replayed appends collide instead of
// duplicating.
type mongoOp struct {
	Key         string `bson:"_id"`
	Collection  string `bson:"collection"`
	DocID       string `bson:"doc_id"`
	Version     int64  `bson:"version"`
	OpID        string `bson:"op_id"`
	BaseVersion int64  `bson:"base_version"`
	Payload     []byte `bson:"payload"`
	CreatedAt   int64  `bson:"created_at"`
}

// MongoHistory stores the op log in the "ops" collection of the shared
// MongoDB, alongside the snapshots every process already reaches.
type MongoHistory struct {
	coll *mongo.Collection
}

// NewMongoHistory creates a History on the "ops" collection of db.
func NewMongoHistory(db *mongo.Database) *MongoHistory {
	return &MongoHistory{coll: db.Collection("ops")}
}

func mongoOpKey(collection, id string, version int64) string {
	return fmt.Sprintf("%s/%s/%d", collection, id, version)
}

// Append records an accepted commit. Duplicate appends are a no-op.
func (h *MongoHistory) Append(ctx context.Context, rec CommitRecord) error {
	_, err := h.coll.InsertOne(ctx, mongoOp{
		Key:         mongoOpKey(rec.Collection, rec.ID, rec.Version),
		Collection:  rec.Collection,
		DocID:       rec.ID,
		Version:     rec.Version,
		OpID:        rec.Op.OpID,
		BaseVersion: rec.Op.BaseVersion,
		Payload:     []byte(rec.Op.Payload),
		CreatedAt:   time.Now().Unix(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Range returns commits with after < version <= until in version order.
func (h *MongoHistory) Range(ctx context.Context, collection, id string, after, until int64) ([]CommitRecord, error) {
	versionFilter := bson.M{"$gt": after}
	if until > 0 {
		versionFilter["$lte"] = until
	}
	cur, err := h.coll.Find(ctx,
		bson.M{"collection": collection, "doc_id": id, "version": versionFilter},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoOp
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]CommitRecord, 0, len(docs))
	for _, d := range docs {
		recs = append(recs, d.record())
	}
	return recs, nil
}

// At returns the commit at an exact version, if recorded.
func (h *MongoHistory) At(ctx context.Context, collection, id string, version int64) (CommitRecord, bool, error) {
	var doc mongoOp
	err := h.coll.FindOne(ctx, bson.M{"_id": mongoOpKey(collection, id, version)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CommitRecord{}, false, nil
	}
	if err != nil {
		return CommitRecord{}, false, err
	}
	return doc.record(), true, nil
}

func (d mongoOp) record() CommitRecord {
	return CommitRecord{
		Collection: d.Collection,
		ID:         d.DocID,
		Version:    d.Version,
		Op: Operation{
			Collection:  d.Collection,
			ID:          d.DocID,
			BaseVersion: d.BaseVersion,
			Payload:     d.Payload,
			OpID:        d.OpID,
		},
	}
}
