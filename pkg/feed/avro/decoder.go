// Package avro decodes schema registry framed Avro values into JSON text.
package avro

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/registry"
)

// ErrDecode wraps every failure to turn a value into JSON.
var ErrDecode = errors.New("avro decode error")

// RegistryConfig locates a Confluent compatible schema registry.
type RegistryConfig struct {
	URL      string        `mapstructure:"url" json:"url"`
	Username string        `mapstructure:"username" json:"username,omitempty"`
	Password string        `mapstructure:"password" json:"-"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// SchemaSource resolves a schema by its registry id. *registry.Client
// satisfies it.
type SchemaSource interface {
	GetSchema(ctx context.Context, id int) (avro.Schema, error)
}

// Decoder renders Avro values as JSON. Resolved schemas are kept for the
// lifetime of the decoder; registry ids are immutable.
type Decoder struct {
	schemas SchemaSource
	cache   sync.Map // int32 -> avro.Schema
}

// NewDecoder returns a decoder backed by the registry at cfg.URL.
func NewDecoder(cfg RegistryConfig) (*Decoder, error) {
	if cfg.URL == "" {
		return nil, errors.New("schema registry url is required")
	}
	opts := []registry.ClientFunc{
		registry.WithHTTPClient(&http.Client{Timeout: cmp.Or(cfg.Timeout, 10*time.Second)}),
	}
	if cfg.Username != "" {
		opts = append(opts, registry.WithBasicAuth(cfg.Username, cfg.Password))
	}
	client, err := registry.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("schema registry client: %w", err)
	}
	return NewDecoderFrom(client), nil
}

func NewDecoderFrom(schemas SchemaSource) *Decoder {
	return &Decoder{schemas: schemas}
}

// DecodeValue decodes data, the value without its 5 byte frame, with the
// schema registered under schemaID.
func (d *Decoder) DecodeValue(ctx context.Context, schemaID int32, data []byte) (string, error) {
	schema, err := d.schema(ctx, schemaID)
	if err != nil {
		return "", fmt.Errorf("%w: schema %d: %v", ErrDecode, schemaID, err)
	}
	var v any
	if err := avro.Unmarshal(schema, data, &v); err != nil {
		return "", fmt.Errorf("%w: schema %d: %v", ErrDecode, schemaID, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: schema %d: %v", ErrDecode, schemaID, err)
	}
	return string(out), nil
}

func (d *Decoder) schema(ctx context.Context, id int32) (avro.Schema, error) {
	if s, ok := d.cache.Load(id); ok {
		return s.(avro.Schema), nil
	}
	s, err := d.schemas.GetSchema(ctx, int(id))
	if err != nil {
		return nil, err
	}
	d.cache.Store(id, s)
	return s, nil
}
