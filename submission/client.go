package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/signature"
)

const (
	maxResponseBody = 64 << 10 // cap on bytes read from any response
	maxErrorExcerpt = 512      // cap on body bytes quoted in a ServerError
	pingTimeout     = 5 * time.Second
)

// Client posts event batches to the collector. SubmitBatch and Ping never
// return errors; ServerInfo does, since it is only called on request.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests. Its Timeout
// should be zero; Config.Timeout is enforced per request.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientLogger sets the logger for failed requests.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient validates cfg and builds a client. An invalid cfg yields a
// *ConfigError.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Config returns the validated configuration.
func (c *Client) Config() Config { return c.cfg }

// Endpoint returns the collector URL.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

type batchRequest struct {
	Events []*event.Event `json:"events"`
}

// SubmitBatch posts events as one batch. Every failure, including
// timeouts, non-2xx statuses and malformed bodies, is reported as a
// Result with Success false and all events rejected.
func (c *Client) SubmitBatch(ctx context.Context, events []*event.Event) *Result {
	if len(events) == 0 {
		return &Result{Success: true}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.submit(ctx, events)
	latency := time.Since(start)

	if err != nil {
		c.logger.DebugContext(ctx, "batch submission failed",
			"events", len(events), "latency_ms", latency.Milliseconds(), "error", err)
		res = failure(len(events), err)
		var serr *ServerError
		if errors.As(err, &serr) {
			res.StatusCode = serr.StatusCode
		}
	}
	res.Latency = latency
	return res
}

func (c *Client) submit(ctx context.Context, events []*event.Event) (*Result, error) {
	body, err := json.Marshal(batchRequest{Events: events})
	if err != nil {
		return nil, fmt.Errorf("submission: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("submission: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	if c.cfg.SigningSecret != "" {
		signature.SignRequest(req.Header, body, c.cfg.SigningSecret, time.Now())
	}

	status, respBody, err := c.do(req, "post batch")
	if err != nil {
		return nil, err
	}

	var out Result
	if err := decodeValidated(respBody, responseSchema, &out); err != nil {
		return nil, err
	}
	out.StatusCode = status
	return &out, nil
}

// Ping reports whether GET {endpoint}/ping answers 2xx within five
// seconds.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	target, err := url.JoinPath(c.cfg.Endpoint, "ping")
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	if _, _, err := c.do(req, "ping"); err != nil {
		c.logger.DebugContext(ctx, "collector ping failed", "error", err)
		return false
	}
	return true
}

// ServerInfo fetches GET {endpoint}/info. Failures are returned as
// *TransportError, *ServerError or *ProtocolError.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target, err := url.JoinPath(c.cfg.Endpoint, "info")
	if err != nil {
		return nil, fmt.Errorf("submission: info URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("submission: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setHeaders(req)

	_, body, err := c.do(req, "server info")
	if err != nil {
		return nil, err
	}

	var info ServerInfo
	if err := decodeValidated(body, infoSchema, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
}

// do sends req and returns the status and body of a 2xx response.
func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.http.Do(req) //nolint:gosec // G107: the collector URL is operator configuration.
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: op + ": read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := body
		if len(excerpt) > maxErrorExcerpt {
			excerpt = excerpt[:maxErrorExcerpt]
		}
		return resp.StatusCode, nil, &ServerError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(excerpt))}
	}
	return resp.StatusCode, body, nil
}
