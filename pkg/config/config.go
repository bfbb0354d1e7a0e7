// Package config loads the topicstore configuration from a YAML file, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/feed/kafka"
	"github.com/edgeflare/topicstore/pkg/httputil/middleware"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/edgeflare/topicstore/pkg/query"
	"github.com/edgeflare/topicstore/pkg/store"
	"github.com/edgeflare/topicstore/pkg/telemetry"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "TOPICSTORE"
	configName = "topicstore"
)

// Config holds application-wide configuration.
type Config struct {
	LogLevel string        `mapstructure:"logLevel"`
	Server   ServerConfig  `mapstructure:"server"`
	Store    store.Config  `mapstructure:"store"`
	Feed     ingest.Config `mapstructure:"feed"`
	Query    query.Config  `mapstructure:"query"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
	Events   EventsConfig  `mapstructure:"events"`
	Metrics  MetricsConfig `mapstructure:"metrics"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	// BaseURL is where `topicstore call` reaches a running server.
	BaseURL   string                  `mapstructure:"baseURL"`
	TLS       TLSConfig               `mapstructure:"tls"`
	BasicAuth []User                  `mapstructure:"basicAuth"`
	CORS      *middleware.CORSOptions `mapstructure:"cors"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// User is a basic auth credential. Kept as a list since viper lowercases map
// keys.
type User struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Clusters []kafka.Config `mapstructure:"clusters"`
}

type EventsConfig struct {
	NATS *events.NATSConfig `mapstructure:"nats"`
	MQTT *events.MQTTConfig `mapstructure:"mqtt"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// ApplyDefaults configures defaults and env bindings on v.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logLevel", "info")
	v.SetDefault("server.listenAddr", "127.0.0.1:8080")
	v.SetDefault("server.baseURL", "http://127.0.0.1:8080")
	v.SetDefault("server.tls.certFile", "")
	v.SetDefault("server.tls.keyFile", "")
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.queryTimeout", 30*time.Second)
	v.SetDefault("store.exportTimeout", 3*time.Minute)
	v.SetDefault("store.busyTimeout", 5*time.Second)
	v.SetDefault("store.maxReadConns", 4)
	v.SetDefault("feed.timeout", 30*time.Second)
	v.SetDefault("feed.detectSchemaId", true)
	v.SetDefault("query.pageSize", query.DefaultPageSize)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.serviceName", "topicstore")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.samplerRatio", 1.0)
}

func defaultStorePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "topicstore", "records.db")
	}
	return "records.db"
}

// Load reads config from cfgFile, or from topicstore.yaml in $HOME/.config
// or the working directory, overlaid with TOPICSTORE_* environment variables.
// A missing default config file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	ApplyDefaults(v)
	return LoadFrom(v, cfgFile)
}

// LoadFrom is Load on a prepared viper instance, e.g. one with bound flags.
func LoadFrom(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func stringToBoolHook(f, t reflect.Kind, data any) (any, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both certFile and keyFile"))
	}
	for i, u := range c.Server.BasicAuth {
		if u.Username == "" || u.Password == "" {
			errs = append(errs, fmt.Errorf("server.basicAuth[%d]: username and password are required", i))
		}
	}
	if c.Query.PageSize < 0 {
		errs = append(errs, errors.New("query.pageSize must not be negative"))
	}
	seen := make(map[string]bool, len(c.Kafka.Clusters))
	for i := range c.Kafka.Clusters {
		cl := &c.Kafka.Clusters[i]
		if err := cl.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka.clusters[%d]: %w", i, err))
			continue
		}
		if seen[cl.ID] {
			errs = append(errs, fmt.Errorf("kafka.clusters[%d]: duplicate id %q", i, cl.ID))
		}
		seen[cl.ID] = true
	}
	if c.Events.NATS != nil && len(c.Events.NATS.Servers) == 0 {
		errs = append(errs, errors.New("events.nats.servers is required"))
	}
	if c.Events.MQTT != nil && len(c.Events.MQTT.Servers) == 0 {
		errs = append(errs, errors.New("events.mqtt.servers is required"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// Cluster returns the configuration of the cluster with id.
func (c *Config) Cluster(id string) (kafka.Config, bool) {
	for _, cl := range c.Kafka.Clusters {
		if cl.ID == id {
			return cl, true
		}
	}
	return kafka.Config{}, false
}

// Credentials returns the basic auth users as a username to password map.
func (s ServerConfig) Credentials() map[string]string {
	creds := make(map[string]string, len(s.BasicAuth))
	for _, u := range s.BasicAuth {
		creds[u.Username] = u.Password
	}
	return creds
}

// Version is set at build time with -ldflags "-X github.com/edgeflare/topicstore/pkg/config.Version=...".
var Version = "dev"
