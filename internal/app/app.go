package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"feed_spider/internal/config"
	"feed_spider/internal/db"
	"feed_spider/internal/logger"
	"feed_spider/internal/metrics"
	"feed_spider/internal/models"
	"feed_spider/internal/source"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownFeed   = errors.New("unknown feed")
	ErrFeedDisabled  = errors.New("feed is disabled")
	ErrRunInProgress = errors.New("a run of this feed is already in progress")
)

// SpiderApp wires configuration, storage and page sources together and
// runs feeds on demand or on a schedule.
type SpiderApp struct {
	config  *config.SpiderConfig
	log     logger.Logger
	backend db.Backend
	sources source.Factory
	closers []func() error
	crawler *Crawler
	runs    *RunTable
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	slots chan struct{}
}

// NewSpiderApp connects to the configured store, prepares every enabled
// feed destination and sets up the page source drivers. Metrics are
// registered on reg.
func NewSpiderApp(ctx context.Context, cfg *config.SpiderConfig, log logger.Logger, reg prometheus.Registerer) (*SpiderApp, error) {
	backend, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(cfg.Feeds))
	seen := make(map[string]bool)
	needBrowser := false
	for _, name := range cfg.EnabledFeeds() {
		feed := cfg.Feeds[name]
		if !seen[feed.Table] {
			seen[feed.Table] = true
			tables = append(tables, feed.Table)
		}
		if feed.Driver == config.DriverBrowser {
			needBrowser = true
		}
	}
	if err := backend.Prepare(ctx, tables); err != nil {
		backend.Close()
		return nil, err
	}

	drivers := &source.Drivers{HTTP: cfg.HTTP, Logger: log}
	if needBrowser {
		drivers.Browser = source.NewBrowserManager(cfg.Browser, log)
	}

	a := New(cfg, log, backend, drivers, metrics.NewMetrics(reg))
	a.closers = append(a.closers, drivers.Close)
	return a, nil
}

// New assembles a SpiderApp from already constructed parts.
func New(cfg *config.SpiderConfig, log logger.Logger, backend db.Backend, sources source.Factory, m *metrics.Metrics) *SpiderApp {
	runs := NewRunTable()
	reporter := NewReporter(cfg.Logic.ReportTimeout(), m, runs)

	slots := cfg.Logic.MaxConcurrentRuns
	if slots <= 0 {
		slots = 1
	}
	return &SpiderApp{
		config:  cfg,
		log:     log,
		backend: backend,
		sources: sources,
		crawler: NewCrawler(sources, cfg.Logic, log, m, reporter),
		runs:    runs,
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
		slots:   make(chan struct{}, slots),
	}
}

func (a *SpiderApp) feedLock(name string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[name]
	if !ok {
		l = &sync.Mutex{}
		a.locks[name] = l
	}
	return l
}

// RunFeed runs one feed to completion. It refuses to start while another
// run of the same feed is in flight, and waits for a free run slot.
func (a *SpiderApp) RunFeed(ctx context.Context, name string) (*models.RunLog, error) {
	feed, ok := a.config.Feeds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}
	if feed.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrFeedDisabled, name)
	}

	lock := a.feedLock(name)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, name)
	}
	defer lock.Unlock()

	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.slots }()

	return a.crawler.RunOnce(ctx, name, feed, a.backend.Records(feed.Table)), nil
}

// RunAll runs every enabled feed concurrently and returns the run logs of
// the feeds that ran, in feed name order.
func (a *SpiderApp) RunAll(ctx context.Context) []*models.RunLog {
	names := a.config.EnabledFeeds()
	results := make([]*models.RunLog, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := a.RunFeed(ctx, name)
			if err != nil {
				a.log.Warn("feed not run", logger.String("feed", name), logger.Error(err))
				return
			}
			results[i] = run
		}()
	}
	wg.Wait()

	out := results[:0]
	for _, run := range results {
		if run != nil {
			out = append(out, run)
		}
	}
	return out
}

// Schedule runs every enabled feed on the configured schedule until ctx is
// cancelled, then waits for in-flight runs to finish.
func (a *SpiderApp) Schedule(ctx context.Context) error {
	spec := a.config.Schedule.Spec()
	cronLog := cronLogger{log: a.log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	for _, name := range a.config.EnabledFeeds() {
		name := name
		if _, err := c.AddFunc(spec, func() { a.scheduledRun(ctx, name) }); err != nil {
			return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
		}
	}

	a.log.Info("scheduler started",
		logger.String("spec", spec),
		logger.Int("feeds", len(a.config.EnabledFeeds())),
	)
	c.Start()

	var startup sync.WaitGroup
	if a.config.Schedule.RunOnStart {
		startup.Add(1)
		go func() {
			defer startup.Done()
			a.RunAll(ctx)
		}()
	}

	<-ctx.Done()
	a.log.Info("scheduler stopping, waiting for running feeds")
	<-c.Stop().Done()
	startup.Wait()
	return nil
}

func (a *SpiderApp) scheduledRun(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := a.RunFeed(ctx, name); err != nil {
		a.log.Warn("scheduled run skipped", logger.String("feed", name), logger.Error(err))
	}
}

// LastRuns returns the last run of every feed that ran in this process.
func (a *SpiderApp) LastRuns() []models.RunLog {
	return a.runs.LastRuns()
}

// StoredLastRun returns the latest run log of a feed recorded in the store,
// including runs from earlier processes.
func (a *SpiderApp) StoredLastRun(ctx context.Context, name string) (*models.RunLog, error) {
	return a.backend.LastRun(ctx, name)
}

func (a *SpiderApp) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}

// cronLogger adapts the app logger to cron's logger interface.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
