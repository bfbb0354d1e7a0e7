// Package kafka implements feed.Feed with sarama.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/feed/avro"
	"go.uber.org/zap"
)

// metadataClient is the part of sarama.Client used for offset resolution.
type metadataClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
	Close() error
}

// Feed reads topics of one Kafka cluster.
type Feed struct {
	cluster  string
	meta     metadataClient
	consumer sarama.Consumer
	logger   *zap.Logger
	buffer   int
	decoder  *avro.Decoder

	mu     sync.Mutex
	closed bool
}

var (
	_ feed.Feed          = (*Feed)(nil)
	_ feed.DecoderSource = (*Feed)(nil)
)

// New connects to the cluster described by cfg. Connecting is retried with
// exponential backoff until cfg.ConnectTimeout elapses.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Feed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kafka").With(zap.String("cluster", cfg.ID))

	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}
	var decoder *avro.Decoder
	if cfg.SchemaRegistry != nil {
		if decoder, err = avro.NewDecoder(*cfg.SchemaRegistry); err != nil {
			return nil, err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = cfg.ConnectTimeout

	var client sarama.Client
	connect := func() error {
		c, err := sarama.NewClient(cfg.Brokers, conf)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("kafka connect failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: connect to %v: %v", feed.ErrFeed, cfg.Brokers, err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: create consumer: %v", feed.ErrFeed, err)
	}

	logger.Info("connected to kafka", zap.Strings("brokers", cfg.Brokers), zap.Bool("schema_registry", decoder != nil))
	f := newFeed(cfg.ID, client, consumer, cfg.ChannelBuffer, logger)
	f.decoder = decoder
	return f, nil
}

func newFeed(cluster string, meta metadataClient, consumer sarama.Consumer, buffer int, logger *zap.Logger) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{
		cluster:  cluster,
		meta:     meta,
		consumer: consumer,
		logger:   logger,
		buffer:   buffer,
	}
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ValueDecoder returns the Avro decoder of the cluster's schema registry, or
// nil.
func (f *Feed) ValueDecoder() feed.ValueDecoder {
	if f.decoder == nil {
		return nil
	}
	return f.decoder
}

// Partitions lists the partitions of topic.
func (f *Feed) Partitions(_ context.Context, topic string) ([]int32, error) {
	if f.isClosed() {
		return nil, feed.ErrClosed
	}
	partitions, err := f.meta.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: partitions of %s: %v", feed.ErrFeed, topic, err)
	}
	return partitions, nil
}

// OffsetAt resolves a special offset or a millisecond timestamp to an offset.
func (f *Feed) OffsetAt(_ context.Context, topic string, partition int32, at int64) (int64, error) {
	if f.isClosed() {
		return 0, feed.ErrClosed
	}
	query := at
	switch at {
	case feed.OffsetNewest:
		query = sarama.OffsetNewest
	case feed.OffsetOldest:
		query = sarama.OffsetOldest
	}
	off, err := f.meta.GetOffset(topic, partition, query)
	if err != nil {
		return 0, fmt.Errorf("%w: offset of %s[%d] at %d: %v", feed.ErrFeed, topic, partition, at, err)
	}
	return off, nil
}

// Subscribe starts one partition consumer per entry of offsets.
func (f *Feed) Subscribe(ctx context.Context, topic string, offsets map[int32]int64) (feed.Subscription, error) {
	if f.isClosed() {
		return nil, feed.ErrClosed
	}
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: no partitions to consume for %s", feed.ErrFeed, topic)
	}

	pcs := make(map[int32]sarama.PartitionConsumer, len(offsets))
	for partition, offset := range offsets {
		pc, err := f.consumer.ConsumePartition(topic, partition, offset)
		if err != nil {
			for _, opened := range pcs {
				opened.AsyncClose()
			}
			return nil, fmt.Errorf("%w: consume %s[%d] from %d: %v", feed.ErrFeed, topic, partition, offset, err)
		}
		pcs[partition] = pc
	}

	f.logger.Debug("subscribed", zap.String("topic", topic), zap.Int("partitions", len(pcs)))
	return startSubscription(ctx, topic, pcs, f.buffer), nil
}

// Close releases the consumer and the client.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.consumer.Close()
	if cerr := f.meta.Close(); cerr != nil && err == nil {
		err = cerr
	}
	f.logger.Info("kafka feed closed")
	return err
}
