// Package operator exposes the sync trigger API: one endpoint per source,
// each resolving a window from the trigger payload, running the source's
// connector, and reporting the inserted row count.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const shutdownGracePeriod = 30 * time.Second

// SyncFunc runs a source over a resolved window.
type SyncFunc func(ctx context.Context, w timeutil.Window) (int, error)

// BatchSyncFunc re-runs a source for explicit batch IDs.
type BatchSyncFunc func(ctx context.Context, batchIDs []string) (int, error)

// Source is one sync endpoint.
type Source struct {
	Name string
	Sync SyncFunc

	// SyncBatchIDs handles batch_ids triggers; nil for sources that have no
	// notion of batches.
	SyncBatchIDs BatchSyncFunc

	// Interval is the default window length when the trigger has no start.
	Interval time.Duration

	// WindowOffset shifts default windows back, for upstreams whose data
	// settles late. Explicit trigger bounds are taken literally.
	WindowOffset time.Duration
}

type server struct {
	logger  log.FieldLogger
	sources map[string]Source
	now     func() time.Time
}

type requestLogger struct {
	log.FieldLogger
}

func (l *requestLogger) Print(v ...interface{}) {
	l.FieldLogger.Info(v...)
}

// NewRouter builds the trigger API: POST /api/v1/sync/{source}, plus healthz
// and Prometheus metrics.
func NewRouter(logger log.FieldLogger, sources []Source, now func() time.Time) chi.Router {
	logger = logger.WithField("component", "api")

	srv := &server{
		logger:  logger,
		sources: make(map[string]Source, len(sources)),
		now:     now,
	}
	for _, src := range sources {
		srv.sources[src.Name] = src
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &requestLogger{logger}}))
	router.Post("/api/v1/sync/{source}", srv.syncHandler)
	router.Get("/healthz", srv.healthzHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

type syncResponse struct {
	EntriesInserted int `json:"entriesInserted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (srv *server) syncHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	src, ok := srv.sources[name]
	if !ok {
		writeErrorResponse(srv.logger, w, http.StatusNotFound, "unknown source %q", name)
		return
	}

	runID := uuid.New().String()
	logger := srv.logger.WithFields(log.Fields{"source": name, "runID": runID})

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(logger, w, http.StatusBadRequest, "error reading trigger body: %v", err)
		return
	}
	trigger, err := ParseTrigger(body)
	if err != nil {
		writeErrorResponse(logger, w, http.StatusBadRequest, "%v", err)
		return
	}

	sourceRunsCounter.WithLabelValues(name).Inc()
	started := srv.now()

	var inserted int
	if len(trigger.BatchIDs) > 0 {
		if src.SyncBatchIDs == nil {
			writeErrorResponse(logger, w, http.StatusBadRequest, "source %q does not accept batch_ids triggers", name)
			return
		}
		logger.Infof("starting run for %d explicit batches", len(trigger.BatchIDs))
		inserted, err = src.SyncBatchIDs(r.Context(), trigger.BatchIDs)
	} else {
		window := srv.resolveWindow(src, trigger)
		logger.Infof("starting run for %s", window)
		inserted, err = src.Sync(r.Context(), window)
	}

	sourceRunDurationHistogram.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		sourceFailedRunsCounter.WithLabelValues(name).Inc()
		logger.WithError(err).Errorf("run failed after inserting %d rows", inserted)
		writeErrorResponse(logger, w, http.StatusInternalServerError, "sync failed: %v", err)
		return
	}
	sourceRowsInsertedCounter.WithLabelValues(name).Add(float64(inserted))
	logger.Infof("run inserted %d rows", inserted)
	writeResponseAsJSON(logger, w, http.StatusOK, syncResponse{EntriesInserted: inserted})
}

func (srv *server) resolveWindow(src Source, trigger Trigger) timeutil.Window {
	window := timeutil.Resolve(trigger.Start, trigger.End, src.Interval, srv.now)
	if src.WindowOffset > 0 && trigger.Start.IsZero() && trigger.End.IsZero() {
		window.Start = window.Start.Add(-src.WindowOffset)
		window.End = window.End.Add(-src.WindowOffset)
	}
	return window
}

func (srv *server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeResponseAsJSON(srv.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeErrorResponse(logger log.FieldLogger, w http.ResponseWriter, status int, message string, args ...interface{}) {
	writeResponseAsJSON(logger, w, status, errorResponse{Error: fmt.Sprintf(message, args...)})
}

func writeResponseAsJSON(logger log.FieldLogger, w http.ResponseWriter, code int, resp interface{}) {
	enc, err := json.Marshal(resp)
	if err != nil {
		logger.WithError(err).Error("failed JSON-encoding HTTP response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(enc); err != nil {
		logger.WithError(err).Error("failed writing HTTP response")
	}
}

// ListenAndServe runs the API until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, logger log.FieldLogger, addr string, handler http.Handler) error {
	httpServer := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("error shutting down HTTP server")
		}
	}()

	logger.Infof("listening on %s", addr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
