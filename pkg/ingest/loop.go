package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/metrics"
	"github.com/edgeflare/topicstore/pkg/store"
	"go.uber.org/zap"
)

// run is the consume loop. Cancellation is checked before every record so a
// stop takes effect within one record. Partitions listed in ends are done
// once the offset before their end has been consumed.
func (c *Controller) run(ctx context.Context, sub feed.Subscription, opts Options, offsets, ends map[int32]int64, done chan struct{}) {
	defer close(done)

	pending := make(map[int32]bool, len(offsets))
	for partition := range offsets {
		pending[partition] = true
	}

	cause, runErr := c.consume(ctx, sub, opts, pending, ends)

	if err := sub.Close(); err != nil {
		c.logger.Warn("closing subscription", zap.Error(err))
	}
	if ctx.Err() == nil {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	}

	c.cause.Store(int32(cause))
	c.state.Store(int32(Idle))
	metrics.ActiveConsumers.Dec()

	fields := []zap.Field{zap.Int64("records", c.count.Load()), zap.Stringer("cause", cause)}
	if runErr != nil {
		c.logger.Error("consumer stopped on error", append(fields, zap.Error(runErr))...)
		metrics.IngestErrors.WithLabelValues(c.cluster, c.topic, errorLabel(runErr)).Inc()
		if c.publisher != nil {
			c.publisher.PublishError(runErr)
		}
		return
	}
	c.logger.Info("consumer stopped", fields...)
}

func (c *Controller) consume(ctx context.Context, sub feed.Subscription, opts Options, pending map[int32]bool, ends map[int32]int64) (StopCause, error) {
	msgs, errs := sub.Messages(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return StoppedByUser, nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if ctx.Err() != nil {
				return StoppedByUser, nil
			}
			return StoppedOnError, err

		case m, ok := <-msgs:
			if !ok {
				return c.drained(ctx, errs)
			}
			if ctx.Err() != nil {
				return StoppedByUser, nil
			}
			if !pending[m.Partition] {
				continue
			}
			if !opts.Policy.PastStop(m.Timestamp) {
				if err := c.ingest(ctx, m, opts.Compactify); err != nil {
					if ctx.Err() != nil {
						return StoppedByUser, nil
					}
					return StoppedOnError, err
				}
				if end, ok := ends[m.Partition]; !ok || m.Offset+1 < end {
					continue
				}
			}
			delete(pending, m.Partition)
			sub.StopPartition(m.Partition)
			c.logger.Debug("partition reached stop bound", zap.Int32("partition", m.Partition), zap.Int64("offset", m.Offset))
			if len(pending) == 0 {
				return StoppedAtBound, nil
			}
		}
	}
}

// drained decides the outcome once the subscription delivered everything.
func (c *Controller) drained(ctx context.Context, errs <-chan error) (StopCause, error) {
	if errs != nil {
		if err, ok := <-errs; ok && err != nil {
			if ctx.Err() != nil {
				return StoppedByUser, nil
			}
			return StoppedOnError, err
		}
	}
	if ctx.Err() != nil {
		return StoppedByUser, nil
	}
	return StoppedOnError, feed.ErrClosed
}

func (c *Controller) ingest(ctx context.Context, m *feed.Message, compactify bool) error {
	rec, decodeErr := feed.DecodeWith(ctx, m, c.cfg.DetectSchemaID, c.decoder)
	if decodeErr != nil {
		metrics.DecodeErrors.WithLabelValues(c.cluster, c.topic).Inc()
		c.logger.Debug("value stored as text", zap.Int32("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(decodeErr))
	}
	start := time.Now()
	err := c.store.Ingest(ctx, c.table, rec, compactify)
	metrics.IngestDuration.WithLabelValues(c.cluster, c.topic).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, store.ErrDuplicateOffset):
		metrics.DuplicateRecords.WithLabelValues(c.cluster, c.topic).Inc()
		return nil
	case err != nil:
		return err
	}
	c.count.Add(1)
	metrics.IngestedRecords.WithLabelValues(c.cluster, c.topic).Inc()
	return nil
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, feed.ErrTimeout), errors.Is(err, store.ErrTimeout):
		return "timeout"
	case errors.Is(err, feed.ErrFeed), errors.Is(err, feed.ErrClosed):
		return "feed"
	default:
		return "store"
	}
}
