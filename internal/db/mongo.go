package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB stores each feed destination as a collection keyed by the record
// key, so a concurrent double insert fails on _id.
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	runLog   *mongo.Collection
	timeout  time.Duration
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	return &MongoDB{
		client:   client,
		database: db,
		runLog:   db.Collection(cfg.RunLog),
		timeout:  opTimeout(cfg),
	}, nil
}

func (d *MongoDB) Records(table string) RecordStore {
	return &mongoRecords{db: d, coll: d.database.Collection(table)}
}

func (d *MongoDB) Prepare(ctx context.Context, tables []string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, table := range tables {
		_, err := d.database.Collection(table).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "time", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("can't create index on %s: %w", table, err)
		}
	}

	_, err := d.runLog.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "feed", Value: 1}, {Key: "start_time", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("can't create index on %s: %w", d.runLog.Name(), err)
	}
	return nil
}

func (d *MongoDB) LastRun(ctx context.Context, feed string) (*models.RunLog, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "start_time", Value: -1}})
	var run models.RunLog
	err := d.runLog.FindOne(ctx, bson.M{"feed": feed}, opts).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't get last run of %s: %w", feed, err)
	}
	return &run, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}

type mongoRecords struct {
	db   *MongoDB
	coll *mongo.Collection
}

func recordFilter(timestamp, body string) bson.M {
	return bson.M{"time": timestamp, "content": body}
}

func (r *mongoRecords) Exists(ctx context.Context, timestamp, body string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.db.timeout)
	defer cancel()

	n, err := r.coll.CountDocuments(ctx, recordFilter(timestamp, body), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("can't check record: %w", err)
	}
	return n > 0, nil
}

func (r *mongoRecords) Insert(ctx context.Context, rec *models.ParsedRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.db.timeout)
	defer cancel()

	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("can't insert record: %w", err)
	}
	return nil
}

func (r *mongoRecords) InsertRunLog(ctx context.Context, run *models.RunLog) error {
	ctx, cancel := context.WithTimeout(ctx, r.db.timeout)
	defer cancel()

	if _, err := r.db.runLog.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("can't insert run log: %w", err)
	}
	return nil
}
