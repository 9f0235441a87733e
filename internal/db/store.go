// Package db persists parsed feed records and run logs. Two backends share
// one contract: MongoDB and a SQL store over Postgres or SQLite.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/models"
)

// ErrDuplicate is returned by Insert when a record with the same key is
// already stored, typically because another run inserted it concurrently.
var ErrDuplicate = errors.New("record already stored")

// RecordStore is bound to one feed destination table or collection. It is
// safe for concurrent use.
type RecordStore interface {
	// Exists reports whether a record with exactly this timestamp and body
	// is stored.
	Exists(ctx context.Context, timestamp, body string) (bool, error)
	Insert(ctx context.Context, rec *models.ParsedRecord) error
	InsertRunLog(ctx context.Context, run *models.RunLog) error
}

type Backend interface {
	Records(table string) RecordStore
	// Prepare creates the tables or indexes the given destinations need.
	Prepare(ctx context.Context, tables []string) error
	// LastRun returns the most recent run log of feed, or nil if it never ran.
	LastRun(ctx context.Context, feed string) (*models.RunLog, error)
	Close() error
}

const defaultOpTimeout = 10 * time.Second

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DBConfig) (Backend, error) {
	switch cfg.Driver {
	case config.DBMongo:
		return NewMongoDB(ctx, cfg)
	case config.DBPostgres, config.DBSQLite:
		return NewSQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}
}

func opTimeout(cfg config.DBConfig) time.Duration {
	if cfg.TimeoutSec > 0 {
		return time.Duration(cfg.TimeoutSec) * time.Second
	}
	return defaultOpTimeout
}
