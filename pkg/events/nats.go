package events

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS forwarder.
type NATSConfig struct {
	Servers       []string `mapstructure:"servers"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSForwarder publishes events as JSON to <prefix>.<event name>.
type NATSForwarder struct {
	conn   natsConn
	prefix string
	logger *zap.Logger
}

// NewNATSForwarder connects to the first reachable server of cfg.
func NewNATSForwarder(cfg NATSConfig, logger *zap.Logger) (*NATSForwarder, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	var (
		nc  *nats.Conn
		err error
	)
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, natsOptions(cfg, logger)...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	logger.Info("forwarding events to NATS", zap.String("url", nc.ConnectedUrl()))
	return newNATSForwarder(nc, cfg.SubjectPrefix, logger), nil
}

func newNATSForwarder(conn natsConn, prefix string, logger *zap.Logger) *NATSForwarder {
	return &NATSForwarder{conn: conn, prefix: cmp.Or(prefix, "topicstore"), logger: logger}
}

func (f *NATSForwarder) Forward(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.conn.Publish(f.prefix+"."+ev.Name, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (f *NATSForwarder) Close() error {
	return f.conn.Drain()
}

func natsOptions(c NATSConfig, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("topicstore"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}
	return opts
}
