package topicstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgeflare/topicstore/pkg/api"
	"github.com/edgeflare/topicstore/pkg/config"
	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/query"
	"github.com/edgeflare/topicstore/pkg/session"
	"github.com/edgeflare/topicstore/pkg/store"
	"github.com/edgeflare/topicstore/pkg/telemetry"
	"go.uber.org/zap"
)

// app owns the long-lived components shared by the subcommands.
type app struct {
	store      *store.Store
	bus        *events.Bus
	registry   *session.Registry
	engine     *query.Engine
	dispatcher *api.Dispatcher
	logger     *zap.Logger

	shutdownTracer telemetry.Shutdown
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	tc := cfg.Telemetry
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = config.Version
	}
	shutdownTracer, err := telemetry.InitTracer(context.Background(), tc, logger.Named("telemetry"))
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Store, logger.Named("store"))
	if err != nil {
		shutdownTracer(context.Background())
		return nil, err
	}

	bus := events.NewBus(api.Classify, logger)
	if nc := cfg.Events.NATS; nc != nil {
		f, err := events.NewNATSForwarder(*nc, logger)
		if err != nil {
			s.Close()
			shutdownTracer(context.Background())
			return nil, fmt.Errorf("nats forwarder: %w", err)
		}
		bus.AddForwarder(f)
	}
	if mc := cfg.Events.MQTT; mc != nil {
		f, err := events.NewMQTTForwarder(*mc, logger)
		if err != nil {
			bus.Close()
			s.Close()
			shutdownTracer(context.Background())
			return nil, fmt.Errorf("mqtt forwarder: %w", err)
		}
		bus.AddForwarder(f)
	}

	feeds := session.NewFeedManager(session.KafkaDialer(cfg.Kafka.Clusters, logger))
	registry := session.New(feeds, s, bus, cfg.Feed, logger)
	engine := query.NewEngine(s, bus, cfg.Query, logger)

	return &app{
		store:      s,
		bus:        bus,
		registry:   registry,
		engine:     engine,
		dispatcher: api.NewDispatcher(registry, engine, bus, logger),
		logger:     logger,

		shutdownTracer: shutdownTracer,
	}, nil
}

// Close stops consumers and exports, then closes the bus and the store and
// flushes pending spans.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.registry.Close(ctx),
		a.engine.Close(),
		a.bus.Close(),
		a.store.Close(),
		a.shutdownTracer(ctx),
	)
}
