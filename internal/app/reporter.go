package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"feed_spider/internal/db"
	"feed_spider/internal/logger"
	"feed_spider/internal/metrics"
	"feed_spider/internal/models"
)

// Reporter closes a run: it stamps the end time, appends the run log to the
// store and publishes the run to metrics and the last-run table.
type Reporter struct {
	timeout time.Duration
	metrics *metrics.Metrics
	runs    *RunTable
	now     func() time.Time
}

func NewReporter(timeout time.Duration, m *metrics.Metrics, runs *RunTable) *Reporter {
	return &Reporter{timeout: timeout, metrics: m, runs: runs, now: time.Now}
}

// Finalize is best effort: a failed run log write is logged and leaves the
// stored records alone. The write is detached from ctx so a run that hit its
// deadline still records its log.
func (r *Reporter) Finalize(ctx context.Context, log logger.Logger, store db.RecordStore, run *models.RunLog) *models.RunLog {
	run.EndTime = r.now()
	run.Duration = max(run.EndTime.Sub(run.StartTime), 0)

	writeCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, r.timeout)
		defer cancel()
	}
	if err := store.InsertRunLog(writeCtx, run); err != nil {
		log.Error("run log write failed", logger.Error(err))
	}

	r.metrics.RunFinished(run)
	if r.runs != nil {
		r.runs.Put(run)
	}

	log.Info("run finished",
		logger.String("stop_reason", string(run.StopReason)),
		logger.Int("scraped", run.ItemsScraped),
		logger.Int("pages", run.Pages),
		logger.Int("failed_inserts", run.FailedInserts),
		logger.Duration("duration", run.Duration),
	)
	return run
}

// RunTable keeps the most recent run of every feed in memory.
type RunTable struct {
	mu   sync.RWMutex
	runs map[string]models.RunLog
}

func NewRunTable() *RunTable {
	return &RunTable{runs: make(map[string]models.RunLog)}
}

func (t *RunTable) Put(run *models.RunLog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.Feed] = *run
}

func (t *RunTable) Get(feed string) (models.RunLog, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[feed]
	return run, ok
}

// LastRuns returns the last run of every feed that ran, ordered by feed name.
func (t *RunTable) LastRuns() []models.RunLog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.RunLog, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}
