package app

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/db"
	"feed_spider/internal/dedup"
	"feed_spider/internal/extract"
	"feed_spider/internal/logger"
	"feed_spider/internal/metrics"
	"feed_spider/internal/models"
	"feed_spider/internal/source"

	"github.com/google/uuid"
)

// Crawler runs one feed at a time: it loads the feed, reveals entries page by
// page and stores new entries until it catches up with stored history or a
// budget runs out. A Crawler is safe for concurrent use; every run gets its
// own page source and dedup tracker.
type Crawler struct {
	sources  source.Factory
	logic    config.LogicConfig
	log      logger.Logger
	metrics  *metrics.Metrics
	reporter *Reporter
	now      func() time.Time
}

func NewCrawler(sources source.Factory, logic config.LogicConfig, log logger.Logger, m *metrics.Metrics, reporter *Reporter) *Crawler {
	return &Crawler{
		sources:  sources,
		logic:    logic,
		log:      log,
		metrics:  m,
		reporter: reporter,
		now:      time.Now,
	}
}

// RunOnce crawls feed into store and returns the finalized run log. It
// never fails: every error ends the run with a stop reason and is logged.
func (c *Crawler) RunOnce(ctx context.Context, name string, feed config.FeedConfig, store db.RecordStore) *models.RunLog {
	run := &models.RunLog{
		ID:        uuid.NewString(),
		Feed:      name,
		SourceURL: feed.URL,
		Category:  feed.Category,
		StartTime: c.now(),
	}
	log := c.log.With(
		logger.String("feed", name),
		logger.String("category", feed.Category),
		logger.String("url", feed.URL),
		logger.String("run_id", run.ID),
	)

	c.metrics.RunStarted()
	log.Info("run started", logger.Int("max_pages", feed.MaxPages))

	run.StopReason = c.crawl(ctx, log, name, feed, store, run)
	return c.reporter.Finalize(ctx, log, store, run)
}

func (c *Crawler) crawl(ctx context.Context, log logger.Logger, name string, feed config.FeedConfig, store db.RecordStore, run *models.RunLog) models.StopReason {
	if feed.MaxPages <= 0 {
		return models.StopMaxPages
	}

	if timeout := c.logic.RunTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	src, err := c.sources.Open(ctx, feed)
	if err != nil {
		if ctx.Err() != nil {
			return models.StopDeadline
		}
		log.Error("open page source failed", logger.Error(err))
		return models.StopLoadFailed
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Debug("close page source", logger.Error(err))
		}
	}()

	if err := src.Load(ctx, feed.URL); err != nil {
		if ctx.Err() != nil {
			return models.StopDeadline
		}
		log.Error("load failed", logger.Error(err))
		return models.StopLoadFailed
	}

	if feed.Selectors.Overlay != "" {
		if err := src.DismissOverlay(ctx, feed.Selectors.Overlay); err != nil {
			log.Debug("no overlay dismissed", logger.Error(err))
		}
	}

	tracker := dedup.NewTracker(store)
	extractor := extract.New(feed.Delimiters.Open, feed.Delimiters.Close)
	selectors := source.Selectors{Time: feed.Selectors.Time, Content: feed.Selectors.Content}
	steps := c.revealSteps(feed)

	for {
		progressed, err := c.reveal(ctx, src, steps)
		if err != nil {
			if ctx.Err() != nil {
				return models.StopDeadline
			}
			log.Warn("reveal failed", logger.Int("page", run.Pages+1), logger.Error(err))
		}

		if err := sleepCtx(ctx, c.logic.SettleDelay()); err != nil {
			return models.StopDeadline
		}

		items, err := src.ListItems(ctx, selectors)
		if err != nil {
			if ctx.Err() != nil {
				return models.StopDeadline
			}
			log.Error("list items failed", logger.Int("page", run.Pages+1), logger.Error(err))
			return models.StopExtractFailed
		}

		run.Pages++
		c.metrics.PageProcessed(name)
		pageLog := log.With(logger.Int("page", run.Pages))

		if len(items) == 0 {
			pageLog.Info("no entries on page")
			return models.StopEmptyPage
		}
		pageLog.Debug("page listed", logger.Int("items", len(items)), logger.Bool("progressed", progressed))

		for _, item := range items {
			if ctx.Err() != nil {
				return models.StopDeadline
			}
			if c.processItem(ctx, pageLog, name, feed, store, tracker, extractor, item, run) {
				pageLog.Info("caught up with stored entries", logger.Int("scraped", run.ItemsScraped))
				return models.StopCaughtUp
			}
		}

		if run.Pages >= feed.MaxPages {
			return models.StopMaxPages
		}
		if !progressed {
			pageLog.Info("feed stopped growing")
			return models.StopNoProgress
		}
	}
}

// processItem handles one entry and reports whether the run has caught up.
func (c *Crawler) processItem(
	ctx context.Context,
	log logger.Logger,
	name string,
	feed config.FeedConfig,
	store db.RecordStore,
	tracker *dedup.Tracker,
	extractor *extract.Extractor,
	item models.ContentItem,
	run *models.RunLog,
) bool {
	ts := extract.NormalizeTimestamp(item.Timestamp)
	title, body := extractor.Extract(item.RawText)
	itemLog := log.With(logger.String("timestamp", ts))

	outcome, err := tracker.Check(ctx, ts, body)
	if err != nil {
		itemLog.Warn("existence check failed, treating entry as new", logger.Error(err))
	}

	switch outcome {
	case dedup.StopRun:
		c.metrics.ItemProcessed(name, metrics.ItemCaughtUp)
		return true
	case dedup.Skip:
		c.metrics.ItemProcessed(name, metrics.ItemSkipped)
		return false
	}

	rec := &models.ParsedRecord{
		Key:       models.RecordKey(ts, body),
		Timestamp: ts,
		Title:     title,
		Body:      body,
		Category:  feed.Category,
		Feed:      name,
		ScrapedAt: c.now(),
	}
	if err := store.Insert(ctx, rec); err != nil {
		run.FailedInserts++
		if errors.Is(err, db.ErrDuplicate) {
			c.metrics.ItemProcessed(name, metrics.ItemDuplicate)
			itemLog.Warn("entry stored concurrently by another run")
			return false
		}
		c.metrics.ItemProcessed(name, metrics.ItemFailed)
		itemLog.Error("insert failed", logger.Error(err))
		return false
	}

	run.ItemsScraped++
	c.metrics.ItemProcessed(name, metrics.ItemInserted)
	itemLog.Debug("entry stored")
	return false
}

// reveal performs up to steps reveal steps with a randomized pause after
// each, stopping early once the height stops changing. It reports whether
// the height grew at all.
func (c *Crawler) reveal(ctx context.Context, src source.PageSource, steps int) (bool, error) {
	before, err := src.CurrentHeight(ctx)
	if err != nil {
		return false, err
	}

	last := before
	for i := 0; i < steps; i++ {
		if err := src.RevealMore(ctx); err != nil {
			return last != before, err
		}
		if err := sleepCtx(ctx, c.revealDelay()); err != nil {
			return last != before, err
		}
		height, err := src.CurrentHeight(ctx)
		if err != nil {
			return last != before, err
		}
		if height == last {
			break
		}
		last = height
	}
	return last != before, nil
}

// A static page turn fetches a whole page, so one step per page.
func (c *Crawler) revealSteps(feed config.FeedConfig) int {
	if feed.Driver == config.DriverStatic {
		return 1
	}
	return c.logic.RevealSteps
}

func (c *Crawler) revealDelay() time.Duration {
	lo, hi := c.logic.RevealDelayMin(), c.logic.RevealDelayMax()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
