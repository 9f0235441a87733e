package app

import (
	"context"
	"fmt"
	"sync"

	"feed_spider/internal/config"
	"feed_spider/internal/db"
	"feed_spider/internal/models"
	"feed_spider/internal/source"
)

// fakeSource is an infinite-scroll feed: entries are ordered newest first,
// perPage of them become visible on load and on every reveal.
type fakeSource struct {
	entries []models.ContentItem
	perPage int
	visible int

	loadErr    error
	listErr    error
	overlayErr error
	onReveal   func()

	loads     int
	overlays  []string
	closed    bool
	listCalls int
}

func (s *fakeSource) Load(ctx context.Context, url string) error {
	s.loads++
	if s.loadErr != nil {
		return &source.LoadError{URL: url, Err: s.loadErr}
	}
	s.visible = min(s.perPage, len(s.entries))
	return ctx.Err()
}

func (s *fakeSource) RevealMore(ctx context.Context) error {
	if s.onReveal != nil {
		s.onReveal()
	}
	s.visible = min(s.visible+s.perPage, len(s.entries))
	return ctx.Err()
}

func (s *fakeSource) CurrentHeight(context.Context) (int64, error) {
	return int64(s.visible), nil
}

func (s *fakeSource) ListItems(_ context.Context, _ source.Selectors) ([]models.ContentItem, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, &source.ExtractError{URL: "fake", Err: s.listErr}
	}
	return append([]models.ContentItem(nil), s.entries[:s.visible]...), nil
}

func (s *fakeSource) DismissOverlay(_ context.Context, selector string) error {
	s.overlays = append(s.overlays, selector)
	return s.overlayErr
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// pagedSource replaces the visible list on every reveal, like a feed that
// re-renders the whole page. The first reveal shows pages[0].
type pagedSource struct {
	pages [][]models.ContentItem
	idx   int
}

func (s *pagedSource) Load(ctx context.Context, _ string) error {
	s.idx = -1
	return ctx.Err()
}

func (s *pagedSource) RevealMore(ctx context.Context) error {
	if s.idx < len(s.pages)-1 {
		s.idx++
	}
	return ctx.Err()
}

func (s *pagedSource) CurrentHeight(context.Context) (int64, error) {
	return int64(s.idx), nil
}

func (s *pagedSource) ListItems(context.Context, source.Selectors) ([]models.ContentItem, error) {
	if s.idx < 0 {
		return nil, nil
	}
	return append([]models.ContentItem(nil), s.pages[s.idx]...), nil
}

func (s *pagedSource) DismissOverlay(context.Context, string) error { return nil }

func (s *pagedSource) Close() error { return nil }

type pagedFactory struct {
	pages [][]models.ContentItem
}

func (f pagedFactory) Open(context.Context, config.FeedConfig) (source.PageSource, error) {
	return &pagedSource{pages: f.pages}, nil
}

type fakeFactory struct {
	mu      sync.Mutex
	newSrc  func() *fakeSource
	opened  []*fakeSource
	openErr error
}

func (f *fakeFactory) Open(ctx context.Context, _ config.FeedConfig) (source.PageSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	src := f.newSrc()
	f.opened = append(f.opened, src)
	return src, nil
}

func (f *fakeFactory) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

// fakeStore is an in-memory RecordStore keyed like the real backends.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]models.ParsedRecord
	order     []string
	runs      []models.RunLog
	insertErr func(rec *models.ParsedRecord) error
	existsErr error
	runLogErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.ParsedRecord)}
}

func (s *fakeStore) Exists(_ context.Context, timestamp, body string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.records[models.RecordKey(timestamp, body)]
	return ok, nil
}

func (s *fakeStore) Insert(_ context.Context, rec *models.ParsedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		if err := s.insertErr(rec); err != nil {
			return err
		}
	}
	if _, ok := s.records[rec.Key]; ok {
		return db.ErrDuplicate
	}
	s.records[rec.Key] = *rec
	s.order = append(s.order, rec.Key)
	return nil
}

func (s *fakeStore) InsertRunLog(ctx context.Context, run *models.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runLogErr != nil {
		return s.runLogErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.runs = append(s.runs, *run)
	return nil
}

func (s *fakeStore) seed(timestamp, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.RecordKey(timestamp, body)
	s.records[key] = models.ParsedRecord{Key: key, Timestamp: timestamp, Body: body}
}

func (s *fakeStore) stored() []models.ParsedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ParsedRecord, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}

func (s *fakeStore) runLogs() []models.RunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunLog(nil), s.runs...)
}

// fakeBackend hands out one fakeStore per table.
type fakeBackend struct {
	mu     sync.Mutex
	tables map[string]*fakeStore
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tables: make(map[string]*fakeStore)}
}

func (b *fakeBackend) Records(table string) db.RecordStore {
	return b.table(table)
}

func (b *fakeBackend) table(name string) *fakeStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.tables[name]
	if !ok {
		s = newFakeStore()
		b.tables[name] = s
	}
	return s
}

func (b *fakeBackend) Prepare(context.Context, []string) error { return nil }

func (b *fakeBackend) LastRun(_ context.Context, feed string) (*models.RunLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last *models.RunLog
	for _, s := range b.tables {
		for _, run := range s.runLogs() {
			if run.Feed == feed && (last == nil || run.StartTime.After(last.StartTime)) {
				r := run
				last = &r
			}
		}
	}
	return last, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// entries builds n feed entries, newest first, with distinct timestamps.
func entries(n int) []models.ContentItem {
	items := make([]models.ContentItem, n)
	for i := range items {
		minute := n - i
		items[i] = models.ContentItem{
			Timestamp: fmt.Sprintf("2024-03-01 10:%02d:00", minute),
			RawText:   fmt.Sprintf("【Headline %d】 body   of entry %d", minute, minute),
		}
	}
	return items
}
