// mongodb.go - MongoDB-backed record store

package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const queryTimeout = 5 * time.Second

// MongoStore implements RecordStore on top of a single MongoDB database,
// one collection per logical table.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Insert(ctx context.Context, table string, doc any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.Collection(table).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, table string, match bson.M) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.db.Collection(table).DeleteMany(ctx, match)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Query(table string) Query {
	return &mongoQuery{coll: s.db.Collection(table), filter: bson.M{}}
}

type mongoQuery struct {
	coll   *mongo.Collection
	filter bson.M
	sort   string
	limit  int64
}

func (q *mongoQuery) Eq(field string, value any) Query {
	q.filter[field] = value
	return q
}

func (q *mongoQuery) Sort(field string) Query {
	q.sort = field
	return q
}

func (q *mongoQuery) Limit(n int64) Query {
	q.limit = n
	return q
}

func (q *mongoQuery) Execute(ctx context.Context) ([]bson.M, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	opts := options.Find()
	if q.sort != "" {
		opts.SetSort(bson.D{{Key: q.sort, Value: 1}})
	}
	if q.limit > 0 {
		opts.SetLimit(q.limit)
	}

	cursor, err := q.coll.Find(ctx, q.filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}
