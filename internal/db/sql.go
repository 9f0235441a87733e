package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver(config.DBSQLite, sqlx.QUESTION)
}

// SQLStore keeps records in one table per feed destination and run logs in
// a shared table. Queries are written with "?" placeholders and rebound for
// the driver in use.
type SQLStore struct {
	db      *sqlx.DB
	runLog  string
	timeout time.Duration
}

// NewSQLStore opens cfg.Connection with the "postgres" (lib/pq) or "sqlite"
// (modernc) driver.
func NewSQLStore(ctx context.Context, cfg config.DBConfig) (*SQLStore, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == config.DBSQLite {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return NewSQLStoreFromDB(db, cfg), nil
}

// NewSQLStoreFromDB wraps an already opened handle.
func NewSQLStoreFromDB(db *sqlx.DB, cfg config.DBConfig) *SQLStore {
	return &SQLStore{db: db, runLog: cfg.RunLog, timeout: opTimeout(cfg)}
}

func (s *SQLStore) Records(table string) RecordStore {
	return &sqlRecords{store: s, table: table}
}

func (s *SQLStore) Prepare(ctx context.Context, tables []string) error {
	for _, table := range tables {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				content_hash TEXT PRIMARY KEY,
				time TEXT NOT NULL,
				title TEXT,
				content TEXT NOT NULL,
				type TEXT NOT NULL,
				feed TEXT NOT NULL,
				scraped_at TIMESTAMP NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_time_idx ON %s (time)`, table, table),
		}
		if err := s.exec(ctx, stmts...); err != nil {
			return fmt.Errorf("failed to prepare table %s: %w", table, err)
		}
	}

	err := s.exec(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			feed TEXT NOT NULL,
			url TEXT NOT NULL,
			type TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			duration REAL NOT NULL,
			scraped_count INTEGER NOT NULL,
			pages INTEGER NOT NULL,
			failed_inserts INTEGER NOT NULL,
			stop_reason TEXT NOT NULL
		)`, s.runLog),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_feed_idx ON %s (feed, start_time)`, s.runLog, s.runLog),
	)
	if err != nil {
		return fmt.Errorf("failed to prepare table %s: %w", s.runLog, err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type runLogRow struct {
	models.RunLog
	DurationSec float64 `db:"duration"`
}

func (s *SQLStore) LastRun(ctx context.Context, feed string) (*models.RunLog, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT id, feed, url, type, start_time, end_time, duration,
			scraped_count, pages, failed_inserts, stop_reason
		FROM %s
		WHERE feed = ?
		ORDER BY start_time DESC
		LIMIT 1
	`, s.runLog))

	var row runLogRow
	if err := s.db.GetContext(ctx, &row, query, feed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}

	run := row.RunLog
	run.Duration = time.Duration(row.DurationSec * float64(time.Second))
	return &run, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlRecords struct {
	store *SQLStore
	table string
}

func (r *sqlRecords) Exists(ctx context.Context, timestamp, body string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.store.timeout)
	defer cancel()

	query := r.store.db.Rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE time = ? AND content = ?`, r.table))

	var count int
	if err := r.store.db.GetContext(ctx, &count, query, timestamp, body); err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return count > 0, nil
}

func (r *sqlRecords) Insert(ctx context.Context, rec *models.ParsedRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.store.timeout)
	defer cancel()

	query := r.store.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (content_hash, time, title, content, type, feed, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING
	`, r.table))

	res, err := r.store.db.ExecContext(ctx, query,
		rec.Key,
		rec.Timestamp,
		rec.Title,
		rec.Body,
		rec.Category,
		rec.Feed,
		rec.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *sqlRecords) InsertRunLog(ctx context.Context, run *models.RunLog) error {
	ctx, cancel := context.WithTimeout(ctx, r.store.timeout)
	defer cancel()

	query := r.store.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (
			id, feed, url, type, start_time, end_time, duration,
			scraped_count, pages, failed_inserts, stop_reason
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.store.runLog))

	_, err := r.store.db.ExecContext(ctx, query,
		run.ID,
		run.Feed,
		run.SourceURL,
		run.Category,
		run.StartTime,
		run.EndTime,
		run.Duration.Seconds(),
		run.ItemsScraped,
		run.Pages,
		run.FailedInserts,
		string(run.StopReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}
