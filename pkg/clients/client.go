// Package clients holds the HTTP plumbing shared by the collaborator clients.
//
// Every response body is validated against a CUE definition before it is
// decoded, and every failure is returned as a classified engine error.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/schema"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
	maxBody        = 8 << 20
)

// Config configures one collaborator endpoint.
type Config struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracerProvider instruments requests with spans from tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracerProvider = tp }
}

// WithSchemas sets the registry used to validate responses.
func WithSchemas(r *schema.Registry) Option {
	return func(c *Client) { c.schemas = r }
}

// Client is a JSON-over-HTTP client with bearer authentication.
type Client struct {
	name           string
	baseURL        string
	token          string
	http           *http.Client
	tracerProvider trace.TracerProvider
	schemas        *schema.Registry
}

// New creates a client for the service called name.
func New(name string, cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", name)
	}
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transportOpts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return c.name + " " + r.Method + " " + r.URL.Path
		}),
	}
	if c.tracerProvider != nil {
		transportOpts = append(transportOpts, otelhttp.WithTracerProvider(c.tracerProvider))
	}
	hc := *c.http
	hc.Transport = otelhttp.NewTransport(base, transportOpts...)
	c.http = &hc

	if c.schemas == nil {
		c.schemas = schema.NewRegistry()
	}
	return c, nil
}

// Do sends in as JSON (when non-nil) and decodes the response into out after
// validating it against the named schema. An empty schema skips validation;
// a nil out discards the body.
func (c *Client) Do(ctx context.Context, method, path string, in interface{}, schemaName string, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return c.transportError(ctx, method, path, err)
	}
	if schemaName != "" {
		if err := c.schemas.ValidateJSON(schemaName, raw); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return engine.NewPermanentError(engine.ErrorKindSchemaMismatch,
			fmt.Sprintf("%s returned an undecodable body", c.name), err)
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, method, path string, err error) error {
	msg := fmt.Sprintf("%s %s %s failed", c.name, method, path)
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("%s: %w", msg, ctx.Err())
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return engine.NewError(engine.ErrorKindNetworkTimeout, msg, err)
	}
	return engine.NewError(engine.ErrorKindServiceUnavailable, msg, err)
}

// statusError maps a non-2xx response to a classified error.
func (c *Client) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s returned %d", c.name, resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}

	var ee *engine.EngineError
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ee = engine.NewError(engine.ErrorKindAuthInvalid, msg, nil)
	case resp.StatusCode == http.StatusPaymentRequired:
		ee = engine.NewError(engine.ErrorKindQuotaExhausted, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		ee = engine.NewError(engine.ErrorKindRateLimited, msg, nil)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			ee = ee.WithDetail("retry_after", ra)
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		ee = engine.NewError(engine.ErrorKindNetworkTimeout, msg, nil)
	case resp.StatusCode >= 500:
		ee = engine.NewError(engine.ErrorKindServiceUnavailable, msg, nil)
	default:
		ee = engine.NewError(engine.ErrorKindBadRequest, msg, nil)
	}
	return ee.WithCode(fmt.Sprintf("HTTP_%d", resp.StatusCode))
}
