// Package session keeps the ingestion controllers of all (cluster, topic)
// pairs and owns their lifetimes.
package session

import (
	"cmp"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/edgeflare/topicstore/pkg/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the record store used by the registry and its
// controllers.
type Store interface {
	ingest.Store
	DropTable(ctx context.Context, table string) error
}

type key struct {
	cluster string
	topic   string
}

// Info describes a known session.
type Info struct {
	ClusterID string        `json:"clusterId"`
	Topic     string        `json:"topic"`
	Status    ingest.Status `json:"status"`
}

// Registry maps (cluster, topic) to at most one controller.
type Registry struct {
	feeds     *FeedManager
	store     Store
	publisher ingest.Publisher
	cfg       ingest.Config
	logger    *zap.Logger

	mu          sync.Mutex
	controllers map[key]*ingest.Controller
}

// New returns an empty registry. publisher may be nil.
func New(feeds *FeedManager, s Store, publisher ingest.Publisher, cfg ingest.Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.FeedTimeout = cmp.Or(cfg.FeedTimeout, 30*time.Second)
	return &Registry{
		feeds:       feeds,
		store:       s,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		controllers: make(map[key]*ingest.Controller),
	}
}

// GetOrCreate returns the controller of topic, creating it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, clusterID, topic string) (*ingest.Controller, error) {
	if c, ok := r.Lookup(clusterID, topic); ok {
		return c, nil
	}

	f, err := r.feeds.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{clusterID, topic}
	if c, ok := r.controllers[k]; ok {
		return c, nil
	}
	c := ingest.New(clusterID, topic, f, r.store, r.publisher, r.cfg, r.logger)
	r.controllers[k] = c
	return c, nil
}

// Lookup returns the controller of topic if one exists.
func (r *Registry) Lookup(clusterID, topic string) (*ingest.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[key{clusterID, topic}]
	return c, ok
}

// Sessions lists the known sessions ordered by cluster and topic.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.controllers))
	for k, c := range r.controllers {
		infos = append(infos, Info{ClusterID: k.cluster, Topic: k.topic, Status: c.Status()})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ClusterID != infos[j].ClusterID {
			return infos[i].ClusterID < infos[j].ClusterID
		}
		return infos[i].Topic < infos[j].Topic
	})
	return infos
}

// Remove stops and forgets the controller of topic. The controller stays
// registered until it is idle, so a concurrent GetOrCreate cannot hand out a
// second writer for the same table. With dropData the topic table is dropped
// as well, also when no controller existed.
func (r *Registry) Remove(ctx context.Context, clusterID, topic string, dropData bool) error {
	k := key{clusterID, topic}
	r.mu.Lock()
	c, ok := r.controllers[k]
	r.mu.Unlock()

	if ok {
		if err := c.Close(ctx); err != nil {
			return err
		}
	}
	if dropData {
		if err := r.store.DropTable(ctx, store.TableName(clusterID, topic)); err != nil {
			return err
		}
	}
	if ok {
		r.forget(k, c)
	}
	return nil
}

// forget drops k unless it was already replaced.
func (r *Registry) forget(k key, c *ingest.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controllers[k] == c {
		delete(r.controllers, k)
	}
}

// closeAll closes the controllers matching match and forgets them.
func (r *Registry) closeAll(ctx context.Context, match func(key) bool) (int, error) {
	r.mu.Lock()
	closing := make(map[key]*ingest.Controller)
	for k, c := range r.controllers {
		if match(k) {
			closing[k] = c
		}
	}
	r.mu.Unlock()

	var errs []error
	for k, c := range closing {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		r.forget(k, c)
	}
	return len(closing), errors.Join(errs...)
}

// CloseCluster removes every controller of clusterID and closes its feed.
// Stored records are kept.
func (r *Registry) CloseCluster(ctx context.Context, clusterID string) error {
	n, err := r.closeAll(ctx, func(k key) bool { return k.cluster == clusterID })
	err = errors.Join(err, r.feeds.Remove(clusterID))
	r.logger.Info("cluster closed", zap.String("cluster", clusterID), zap.Int("sessions", n))
	return err
}

// LastOffsets returns the next offset of every partition of each topic as
// reported by the cluster, not by the local store.
func (r *Registry) LastOffsets(ctx context.Context, clusterID string, topics []string) (map[string][]feed.PartitionOffset, error) {
	f, err := r.feeds.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	timeout := r.cfg.FeedTimeout

	var mu sync.Mutex
	result := make(map[string][]feed.PartitionOffset, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error {
			partitions, err := feed.Call(gctx, timeout, func() ([]int32, error) { return f.Partitions(gctx, topic) })
			if err != nil {
				return err
			}
			offsets := make([]feed.PartitionOffset, 0, len(partitions))
			for _, p := range partitions {
				off, err := feed.Call(gctx, timeout, func() (int64, error) { return f.OffsetAt(gctx, topic, p, feed.OffsetNewest) })
				if err != nil {
					return err
				}
				offsets = append(offsets, feed.PartitionOffset{PartitionID: p, Offset: off})
			}
			sort.Slice(offsets, func(i, j int) bool { return offsets[i].PartitionID < offsets[j].PartitionID })

			mu.Lock()
			result[topic] = offsets
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close stops every controller and closes all feeds.
func (r *Registry) Close(ctx context.Context) error {
	_, err := r.closeAll(ctx, func(key) bool { return true })
	return errors.Join(err, r.feeds.Close())
}
