// Package server exposes health, Prometheus metrics and the last run of each
// feed over HTTP while the scheduler is running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"feed_spider/internal/logger"
	"feed_spider/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// RunLister reports the last run of every feed.
type RunLister interface {
	LastRuns() []models.RunLog
}

type Server struct {
	addr   string
	log    logger.Logger
	router *chi.Mux
}

func New(addr string, runs RunLister, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/runs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, toRunViews(runs.LastRuns()))
	})
	r.Get("/runs/{feed}", func(w http.ResponseWriter, req *http.Request) {
		feed := chi.URLParam(req, "feed")
		for _, run := range runs.LastRuns() {
			if run.Feed == feed {
				writeJSON(w, http.StatusOK, toRunView(run))
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run recorded for " + feed})
	})

	return &Server{addr: addr, log: log, router: r}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", logger.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type runView struct {
	ID            string    `json:"id"`
	Feed          string    `json:"feed"`
	URL           string    `json:"url"`
	Category      string    `json:"type"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationSec   float64   `json:"duration_sec"`
	ScrapedCount  int       `json:"scraped_count"`
	Pages         int       `json:"pages"`
	FailedInserts int       `json:"failed_inserts"`
	StopReason    string    `json:"stop_reason"`
}

func toRunView(run models.RunLog) runView {
	return runView{
		ID:            run.ID,
		Feed:          run.Feed,
		URL:           run.SourceURL,
		Category:      run.Category,
		StartTime:     run.StartTime,
		EndTime:       run.EndTime,
		DurationSec:   run.Duration.Seconds(),
		ScrapedCount:  run.ItemsScraped,
		Pages:         run.Pages,
		FailedInserts: run.FailedInserts,
		StopReason:    string(run.StopReason),
	}
}

func toRunViews(runs []models.RunLog) []runView {
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
