package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/feed/kafka"
	"go.uber.org/zap"
)

var ErrUnknownCluster = errors.New("unknown cluster")

// Dialer opens the feed of a cluster.
type Dialer func(ctx context.Context, clusterID string) (feed.Feed, error)

// KafkaDialer dials the configured Kafka clusters by id.
func KafkaDialer(clusters []kafka.Config, logger *zap.Logger) Dialer {
	byID := make(map[string]kafka.Config, len(clusters))
	for _, c := range clusters {
		byID[c.ID] = c
	}
	return func(ctx context.Context, clusterID string) (feed.Feed, error) {
		cfg, ok := byID[clusterID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
		}
		return kafka.New(ctx, cfg, logger)
	}
}

// FeedManager keeps one open feed per cluster, dialing lazily.
type FeedManager struct {
	dial  Dialer
	feeds map[string]feed.Feed
	mu    sync.Mutex
}

func NewFeedManager(dial Dialer) *FeedManager {
	return &FeedManager{dial: dial, feeds: make(map[string]feed.Feed)}
}

// Get returns the feed of clusterID, dialing it on first use.
func (m *FeedManager) Get(ctx context.Context, clusterID string) (feed.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.feeds[clusterID]; ok {
		return f, nil
	}
	f, err := m.dial(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	m.feeds[clusterID] = f
	return f, nil
}

// Remove closes and forgets the feed of clusterID. Unknown ids are ignored.
func (m *FeedManager) Remove(clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[clusterID]
	if !ok {
		return nil
	}
	delete(m.feeds, clusterID)
	return f.Close()
}

// List returns the ids of open feeds.
func (m *FeedManager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.feeds))
	for id := range m.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every open feed.
func (m *FeedManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, f := range m.feeds {
		errs = append(errs, f.Close())
		delete(m.feeds, id)
	}
	return errors.Join(errs...)
}
