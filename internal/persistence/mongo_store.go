package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/petrijr/shipflow/pkg/api"
)

// durableWrites acknowledges a write only once a majority has journaled it.
func durableWrites() *options.CollectionOptions {
	journal := true
	return options.Collection().SetWriteConcern(&writeconcern.WriteConcern{W: "majority", Journal: &journal})
}

type mongoEventDoc struct {
	InstanceID string    `bson:"instance_id"`
	Seq        int64     `bson:"seq"`
	Kind       string    `bson:"kind"`
	Payload    []byte    `bson:"payload,omitempty"`
	At         time.Time `bson:"at"`
}

// MongoEventLog is an EventLog backed by a MongoDB collection.
//
// Each event is one document. A unique index on (instance_id, seq) turns a
// racing append into a duplicate key error, reported as api.ErrConflict.
type MongoEventLog struct {
	coll *mongo.Collection
}

var _ EventLog = (*MongoEventLog)(nil)

// NewMongoEventLog creates the collection's indexes and returns a log.
func NewMongoEventLog(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoEventLog, error) {
	if collName == "" {
		collName = "workflow_events"
	}
	coll := client.Database(dbName).Collection(collName, durableWrites())
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create event index: %w", err)
	}
	return &MongoEventLog{coll: coll}, nil
}

func (s *MongoEventLog) tail(ctx context.Context, instanceID string) (int64, error) {
	var doc mongoEventDoc
	err := s.coll.FindOne(ctx,
		bson.M{"instance_id": instanceID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoEventLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	tail, err := s.tail(ctx, ev.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("mongo tail %s: %w", ev.InstanceID, err)
	}
	if tail != expectedSeq {
		return 0, api.ErrConflict
	}

	seq := expectedSeq + 1
	_, err = s.coll.InsertOne(ctx, mongoEventDoc{
		InstanceID: ev.InstanceID,
		Seq:        seq,
		Kind:       string(ev.Kind),
		Payload:    []byte(ev.Payload),
		At:         nowUTC(ev.At),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, api.ErrConflict
		}
		return 0, fmt.Errorf("mongo append %s #%d: %w", ev.InstanceID, seq, err)
	}
	return seq, nil
}

func (s *MongoEventLog) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []api.Event{}
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			InstanceID: doc.InstanceID,
			Seq:        doc.Seq,
			Kind:       api.EventKind(doc.Kind),
			Payload:    doc.Payload,
			At:         doc.At.UTC(),
		})
	}
	return out, cur.Err()
}

func (s *MongoEventLog) ListInstances(ctx context.Context) ([]string, error) {
	vals, err := s.coll.Distinct(ctx, "instance_id", bson.D{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vals))
	for _, v := range vals {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type mongoTimerDoc struct {
	InstanceID string    `bson:"instance_id"`
	Key        string    `bson:"key"`
	FireAt     time.Time `bson:"fire_at"`
	Attempts   int       `bson:"attempts"`
}

func (d mongoTimerDoc) request() TimerRequest {
	return TimerRequest{InstanceID: d.InstanceID, Key: d.Key, FireAt: d.FireAt.UTC(), Attempts: d.Attempts}
}

// MongoTimerStore is a TimerStore backed by a MongoDB collection.
type MongoTimerStore struct {
	coll *mongo.Collection
}

var _ TimerStore = (*MongoTimerStore)(nil)

// NewMongoTimerStore creates the collection's indexes and returns a store.
func NewMongoTimerStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoTimerStore, error) {
	if collName == "" {
		collName = "workflow_timers"
	}
	coll := client.Database(dbName).Collection(collName, durableWrites())
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "fire_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create timer indexes: %w", err)
	}
	return &MongoTimerStore{coll: coll}, nil
}

func (s *MongoTimerStore) CreateTimer(ctx context.Context, t TimerRequest) error {
	_, err := s.coll.InsertOne(ctx, mongoTimerDoc{
		InstanceID: t.InstanceID,
		Key:        t.Key,
		FireAt:     t.FireAt.UTC(),
		Attempts:   t.Attempts,
	})
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrDuplicateTimer
	}
	return err
}

func (s *MongoTimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "fire_at", Value: 1},
		{Key: "instance_id", Value: 1},
		{Key: "key", Value: 1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"fire_at": bson.M{"$lte": now.UTC()}}, opts)
}

func (s *MongoTimerStore) PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"instance_id": instanceID, "key": key},
		bson.M{"$set": bson.M{"fire_at": until.UTC(), "attempts": attempts}},
	)
	return err
}

func (s *MongoTimerStore) DeleteTimer(ctx context.Context, instanceID, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"instance_id": instanceID, "key": key})
	return err
}

func (s *MongoTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"instance_id": instanceID})
	return err
}

func (s *MongoTimerStore) ListTimers(ctx context.Context) ([]TimerRequest, error) {
	return s.find(ctx, bson.M{}, options.Find().SetSort(bson.D{
		{Key: "fire_at", Value: 1},
		{Key: "instance_id", Value: 1},
		{Key: "key", Value: 1},
	}))
}

func (s *MongoTimerStore) find(ctx context.Context, filter any, opts *options.FindOptions) ([]TimerRequest, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []TimerRequest
	for cur.Next(ctx) {
		var doc mongoTimerDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.request())
	}
	return out, cur.Err()
}
