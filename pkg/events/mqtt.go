package events

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the MQTT forwarder.
type MQTTConfig struct {
	Servers        []string      `mapstructure:"servers"`
	ClientID       string        `mapstructure:"clientId"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topicPrefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
}

// MQTTForwarder publishes events as JSON to <prefix>/<event name>.
type MQTTForwarder struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTForwarder connects to the broker, retrying with exponential backoff
// until cfg.ConnectTimeout elapses.
func NewMQTTForwarder(cfg MQTTConfig, logger *zap.Logger) (*MQTTForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")
	cfg.ConnectTimeout = cmp.Or(cfg.ConnectTimeout, 30*time.Second)

	opts := mqtt.NewClientOptions()
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"tcp://127.0.0.1:1883"}
	}
	for _, server := range cfg.Servers {
		opts.AddBroker(server)
	}
	opts.SetClientID(cmp.Or(cfg.ClientID, "topicstore"))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("lost MQTT connection", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	connect := func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout
	notify := func(err error, next time.Duration) {
		logger.Warn("MQTT connect failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	}
	if err := backoff.RetryNotify(connect, bo, notify); err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	logger.Info("forwarding events to MQTT", zap.Strings("servers", cfg.Servers))
	return newMQTTForwarder(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newMQTTForwarder(client mqtt.Client, prefix string, qos byte, logger *zap.Logger) *MQTTForwarder {
	return &MQTTForwarder{
		client:  client,
		prefix:  cmp.Or(prefix, "topicstore"),
		qos:     qos,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (f *MQTTForwarder) Forward(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := f.client.Publish(f.prefix+"/"+ev.Name, f.qos, false, data)
	if !token.WaitTimeout(f.timeout) {
		return fmt.Errorf("publish event %s: timed out", ev.Name)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Name, err)
	}
	f.logger.Debug("event published", zap.String("event", ev.Name))
	return nil
}

func (f *MQTTForwarder) Close() error {
	f.client.Disconnect(250)
	return nil
}
