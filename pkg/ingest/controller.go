// Package ingest drives the consumption of one topic into the record store.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/metrics"
	"github.com/edgeflare/topicstore/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("topicstore/ingest")

var (
	ErrAlreadyRunning = errors.New("consumer already running")
	ErrNotRunning     = errors.New("consumer not running")
	// ErrClosed is returned by Start once the controller has been closed.
	ErrClosed = errors.New("consumer closed")
)

// Store is the part of the record store a controller writes to.
type Store interface {
	EnsureTable(ctx context.Context, table string) error
	Ingest(ctx context.Context, table string, rec store.Record, compactify bool) error
}

// Publisher receives errors that end a run in the background.
type Publisher interface {
	PublishError(err error)
}

// Config tunes a controller.
type Config struct {
	// FeedTimeout bounds every feed metadata call made while starting.
	FeedTimeout time.Duration `mapstructure:"timeout"`
	// DetectSchemaID strips schema registry framing from values.
	DetectSchemaID bool `mapstructure:"detectSchemaId"`
}

// Options are the per-run settings passed to Start.
type Options struct {
	Compactify bool              `json:"compactify"`
	Policy     feed.OffsetPolicy `json:"consumer_start_config"`
}

// Status is a snapshot of a controller.
type Status struct {
	IsRunning   bool      `json:"isRunning"`
	RecordCount int64     `json:"recordCount"`
	State       State     `json:"state"`
	StopCause   StopCause `json:"stopCause,omitempty"`
}

// Controller consumes one topic of one cluster into its store table. A
// controller runs at most one consume loop at a time.
type Controller struct {
	cluster string
	topic   string
	table   string

	feed      feed.Feed
	decoder   feed.ValueDecoder
	store     Store
	publisher Publisher
	cfg       Config
	logger    *zap.Logger

	state atomic.Int32
	count atomic.Int64
	cause atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// startMu is held for the whole of Start and while closing, so Close
	// never misses a start in flight.
	startMu sync.Mutex
	closed  atomic.Bool
}

// New returns an idle controller for topic of cluster. publisher may be nil.
func New(cluster, topic string, f feed.Feed, s Store, publisher Publisher, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.FeedTimeout = cmp.Or(cfg.FeedTimeout, 30*time.Second)
	done := make(chan struct{})
	close(done)
	var decoder feed.ValueDecoder
	if src, ok := f.(feed.DecoderSource); ok {
		decoder = src.ValueDecoder()
	}
	return &Controller{
		cluster:   cluster,
		topic:     topic,
		table:     store.TableName(cluster, topic),
		feed:      f,
		decoder:   decoder,
		store:     s,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("ingest").With(zap.String("cluster", cluster), zap.String("topic", topic)),
		done:      done,
	}
}

func (c *Controller) Cluster() string { return c.cluster }
func (c *Controller) Topic() string   { return c.topic }

// Table is the store table the controller writes to.
func (c *Controller) Table() string { return c.table }

// Status reads the controller state without locking.
func (c *Controller) Status() Status {
	st := State(c.state.Load())
	return Status{
		IsRunning:   st == Running || st == Starting,
		RecordCount: c.count.Load(),
		State:       st,
		StopCause:   StopCause(c.cause.Load()),
	}
}

// Done returns a channel closed when the current run ends. For a controller
// that never ran the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start resolves the start offsets, subscribes to the feed and spawns the
// consume loop. It returns once the loop runs; the loop outlives ctx. Errors
// before that point leave the controller idle.
func (c *Controller) Start(ctx context.Context, opts Options) (err error) {
	if !c.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, c.table)
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.closed.Load() {
		c.state.Store(int32(Idle))
		return fmt.Errorf("%w: %s", ErrClosed, c.table)
	}

	ctx, span := tracer.Start(ctx, "Start", trace.WithAttributes(
		attribute.String("cluster", c.cluster),
		attribute.String("topic", c.topic),
		attribute.String("policy", opts.Policy.Kind.String()),
		attribute.Bool("compactify", opts.Compactify),
	))
	defer func() {
		if err != nil {
			c.state.Store(int32(Idle))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	positions, err := opts.Policy.Resolve(ctx, c.feed, c.topic, c.cfg.FeedTimeout)
	if err != nil {
		return fmt.Errorf("resolve offsets of %s: %w", c.topic, err)
	}
	if err := c.store.EnsureTable(ctx, c.table); err != nil {
		return err
	}

	// With the stop bound already in the past, a partition is exhausted once
	// it reaches the end offset seen at resolution.
	offsets := make(map[int32]int64, len(positions))
	ends := make(map[int32]int64)
	pastStop := opts.Policy.PastStop(time.Now())
	for _, pos := range positions {
		if pastStop {
			if pos.Empty() {
				continue
			}
			ends[pos.Partition] = pos.End
		}
		offsets[pos.Partition] = pos.Offset
	}

	c.count.Store(0)
	c.cause.Store(int32(NotStopped))
	done := make(chan struct{})

	if len(offsets) == 0 {
		c.logger.Info("nothing to consume before the stop bound")
		close(done)
		c.mu.Lock()
		c.done, c.cancel = done, nil
		c.mu.Unlock()
		c.cause.Store(int32(StoppedAtBound))
		c.state.Store(int32(Idle))
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.feed.Subscribe(runCtx, c.topic, offsets)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}

	c.mu.Lock()
	c.done, c.cancel = done, cancel
	c.mu.Unlock()
	c.state.Store(int32(Running))
	metrics.ActiveConsumers.Inc()

	c.logger.Info("consumer started",
		zap.String("policy", opts.Policy.Kind.String()),
		zap.Bool("compactify", opts.Compactify),
		zap.Int("partitions", len(offsets)))
	go c.run(runCtx, sub, opts, offsets, ends, done)
	return nil
}

// Stop cancels the consume loop and waits for it to exit or for ctx to end.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		if State(c.state.Load()) == Starting {
			return fmt.Errorf("%w: %s is still starting", ErrNotRunning, c.table)
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, c.table)
	}

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for a start in flight, stops the current run and makes every
// later Start fail with ErrClosed. It returns once the controller is idle.
func (c *Controller) Close(ctx context.Context) error {
	c.startMu.Lock()
	c.closed.Store(true)
	c.startMu.Unlock()

	if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
