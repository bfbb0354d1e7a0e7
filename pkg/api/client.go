package api

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// DefaultClientConfig returns a ClientConfig for baseURL with retries enabled.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Client invokes commands on a remote topicstore server. Transport failures
// and 5xx answers other than command errors are retried with exponential
// backoff; command errors are returned as *Error.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	cfg.Timeout = cmp.Or(cfg.Timeout, 30*time.Second)
	cfg.InitialBackoff = cmp.Or(cfg.InitialBackoff, 100*time.Millisecond)
	cfg.MaxBackoff = cmp.Or(cfg.MaxBackoff, 5*time.Second)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("client"),
	}
}

// Call invokes the named command with args and decodes the result into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, name string, args any, out any) error {
	var body []byte
	switch v := args.(type) {
	case nil:
		body = []byte("{}")
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			return fmt.Errorf("marshal %s arguments: %w", name, err)
		}
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/commands/" + name

	var result []byte
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			c.logger.Debug("retrying command", zap.String("command", name), zap.Int("attempt", attempt))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Username != "" {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			result = data
			return nil
		}

		var apiErr Error
		if json.Unmarshal(data, &apiErr) == nil && apiErr.ErrorType != "" {
			return backoff.Permanent(&apiErr)
		}
		err = fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)); err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(result)) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}
