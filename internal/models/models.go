package models

import (
	"crypto/md5"
	"fmt"
	"time"
)

// ContentItem is one visible feed entry as the page source renders it.
type ContentItem struct {
	Timestamp string
	RawText   string
}

type ParsedRecord struct {
	Key       string    `bson:"_id" db:"content_hash"`
	Timestamp string    `bson:"time" db:"time"`
	Title     *string   `bson:"title" db:"title"`
	Body      string    `bson:"content" db:"content"`
	Category  string    `bson:"type" db:"type"`
	Feed      string    `bson:"feed" db:"feed"`
	ScrapedAt time.Time `bson:"scraped_at" db:"scraped_at"`
}

type StopReason string

const (
	StopCaughtUp      StopReason = "caught_up"
	StopMaxPages      StopReason = "max_pages"
	StopEmptyPage     StopReason = "empty_page"
	StopNoProgress    StopReason = "no_progress"
	StopLoadFailed    StopReason = "load_failed"
	StopExtractFailed StopReason = "extract_failed"
	StopDeadline      StopReason = "deadline"
)

type RunLog struct {
	ID            string        `bson:"_id" db:"id"`
	Feed          string        `bson:"feed" db:"feed"`
	SourceURL     string        `bson:"url" db:"url"`
	Category      string        `bson:"type" db:"type"`
	StartTime     time.Time     `bson:"start_time" db:"start_time"`
	EndTime       time.Time     `bson:"end_time" db:"end_time"`
	Duration      time.Duration `bson:"duration" db:"-"`
	ItemsScraped  int           `bson:"scraped_count" db:"scraped_count"`
	Pages         int           `bson:"pages" db:"pages"`
	FailedInserts int           `bson:"failed_inserts" db:"failed_inserts"`
	StopReason    StopReason    `bson:"stop_reason" db:"stop_reason"`
}

// RecordKey is the durable dedup key of a (timestamp, body) pair.
func RecordKey(timestamp, body string) string {
	hash := md5.Sum([]byte(timestamp + "\x00" + body))
	return fmt.Sprintf("%x", hash)
}
