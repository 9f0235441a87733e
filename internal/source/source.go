// Package source renders feed pages and lists their entries. Two drivers are
// provided: a headless browser for infinite-scroll feeds and a static HTTP
// fetcher for feeds paginated through a query parameter.
package source

import (
	"context"
	"fmt"
	"strings"

	"feed_spider/internal/config"
	"feed_spider/internal/models"
)

// Selectors locate the timestamp and content nodes of feed entries. An
// expression starting with "/" or "(" is XPath, anything else is CSS.
type Selectors struct {
	Time    string
	Content string
}

// PageSource is one rendering session for one run. It is not safe for
// concurrent use.
type PageSource interface {
	// Load navigates to url. Failures are *LoadError.
	Load(ctx context.Context, url string) error
	// RevealMore makes more entries visible. It is a no-op at the end of the feed.
	RevealMore(ctx context.Context) error
	// CurrentHeight is an opaque progress metric; it stops growing at the end
	// of the feed.
	CurrentHeight(ctx context.Context) (int64, error)
	// ListItems returns the visible entries in page order. Failures are
	// *ExtractError.
	ListItems(ctx context.Context, sel Selectors) ([]models.ContentItem, error)
	// DismissOverlay clicks the element matched by selector, if present.
	DismissOverlay(ctx context.Context, selector string) error
	Close() error
}

// Factory opens a fresh session per run.
type Factory interface {
	Open(ctx context.Context, feed config.FeedConfig) (PageSource, error)
}

type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type ExtractError struct {
	URL string
	Err error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("list items on %s: %v", e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// IsXPath reports whether expr should be evaluated as XPath.
func IsXPath(expr string) bool {
	expr = strings.TrimSpace(expr)
	return strings.HasPrefix(expr, "/") || strings.HasPrefix(expr, "(")
}

// zipItems pairs timestamp and content texts by position, the way the feed
// lays them out side by side. Extra nodes on either side are dropped.
func zipItems(times, contents []string) []models.ContentItem {
	n := min(len(times), len(contents))
	items := make([]models.ContentItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, models.ContentItem{Timestamp: times[i], RawText: contents[i]})
	}
	return items
}
