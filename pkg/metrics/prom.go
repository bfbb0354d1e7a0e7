// Package metrics defines the Prometheus collectors of topicstore and a
// small server exposing them.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	IngestedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_ingested_records_total",
			Help: "Total number of records written to the local store by cluster and topic",
		},
		[]string{"cluster", "topic"},
	)

	DuplicateRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_duplicate_records_total",
			Help: "Total number of re-delivered records ignored in append mode",
		},
		[]string{"cluster", "topic"},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_ingest_errors_total",
			Help: "Total number of consume runs ended by an error, by error type",
		},
		[]string{"cluster", "topic", "error_type"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_decode_errors_total",
			Help: "Total number of schema framed values stored as text because decoding failed",
		},
		[]string{"cluster", "topic"},
	)

	ActiveConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topicstore_active_consumers",
			Help: "Number of topic consumers currently running",
		},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topicstore_ingest_duration_seconds",
			Help:    "Duration of a single record write to the local store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster", "topic"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topicstore_query_duration_seconds",
			Help:    "Duration of store queries by kind (page, export)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ExportedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_exported_records_total",
			Help: "Total number of rows written to export files by table",
		},
		[]string{"table"},
	)

	PublishedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_published_events_total",
			Help: "Total number of events published on the event bus by name",
		},
		[]string{"event"},
	)

	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topicstore_dropped_events_total",
			Help: "Total number of events dropped because a subscriber was too slow",
		},
		[]string{"event"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer serves the default registry until ctx is canceled.
// wg is released once the server has fully stopped.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	o := defaultPrometheusServerOptions()
	if opts != nil {
		o.Addr = cmp.Or(opts.Addr, o.Addr)
		o.Path = cmp.Or(opts.Path, o.Path)
		o.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, o.ShutdownTimeout)
		o.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, o.ReadHeaderTimeout)
		o.Logger = opts.Logger
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metrics")

	mux := http.NewServeMux()
	mux.Handle(o.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              o.Addr,
		Handler:           mux,
		ReadHeaderTimeout: o.ReadHeaderTimeout,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("metrics server listening", zap.String("addr", o.Addr), zap.String("path", o.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
			return
		}
		logger.Info("metrics server stopped")
	}()
}
