package kafka

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/topicstore/pkg/feed/avro"
)

// Config is the connection configuration of one Kafka cluster.
type Config struct {
	ID             string        `mapstructure:"id" json:"id"`
	Brokers        []string      `mapstructure:"brokers" json:"brokers"`
	Version        string        `mapstructure:"version" json:"version,omitempty"`
	ClientID       string        `mapstructure:"clientId" json:"clientId,omitempty"`
	SASL           *SASL         `mapstructure:"sasl" json:"sasl,omitempty"`
	TLS            TLS           `mapstructure:"tls" json:"tls"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" json:"connectTimeout,omitempty"`
	ChannelBuffer  int           `mapstructure:"channelBuffer" json:"channelBuffer,omitempty"`
	// SchemaRegistry enables decoding of schema framed Avro values to JSON.
	SchemaRegistry *avro.RegistryConfig `mapstructure:"schemaRegistry" json:"schemaRegistry,omitempty"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"` // plain, sha256 or sha512
	Enable    bool   `mapstructure:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cluster id is required")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("cluster %s: at least one broker is required", c.ID)
	}
	c.Version = cmp.Or(c.Version, sarama.DefaultVersion.String())
	c.ClientID = cmp.Or(c.ClientID, "topicstore")
	c.ConnectTimeout = cmp.Or(c.ConnectTimeout, 30*time.Second)
	c.ChannelBuffer = cmp.Or(c.ChannelBuffer, 256)
	if c.SchemaRegistry != nil && c.SchemaRegistry.URL == "" {
		return fmt.Errorf("cluster %s: schemaRegistry.url is required", c.ID)
	}
	return nil
}

// ToSaramaConfig converts the Config to a sarama.Config for consuming.
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(cmp.Or(c.Version, sarama.DefaultVersion.String()))
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version
	conf.ClientID = cmp.Or(c.ClientID, "topicstore")

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain", "":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConf, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	conf.Consumer.Return.Errors = true
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	conf.ChannelBufferSize = cmp.Or(c.ChannelBuffer, conf.ChannelBufferSize)
	conf.Metadata.Full = false

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
		}
		t.RootCAs = pool
	}

	return t, nil
}
