// Package triton is a client for servers that speak the KServe v2 HTTP
// inference protocol (Triton, KServe, Seldon MLServer).
package triton

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrNotReady = errors.New("model is not ready")

const maxResponseBytes = 8 << 20

type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse inference server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("inference server url must be http or https: %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("inference server url has no host: %q", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = u.Path + "/v2/" + strings.Join(escaped, "/")
	return u.String()
}

// ServerReady probes GET /v2/health/ready.
func (c *Client) ServerReady(ctx context.Context) error {
	return c.probe(ctx, c.endpoint("health", "ready"))
}

// ModelReady probes GET /v2/models/{name}/ready.
func (c *Client) ModelReady(ctx context.Context, model string) error {
	if err := c.probe(ctx, c.endpoint("models", model, "ready")); err != nil {
		return fmt.Errorf("%s: %w", model, err)
	}
	return nil
}

func (c *Client) probe(ctx context.Context, endpoint string) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w (status %d)", ErrNotReady, resp.StatusCode)
	}
	return nil
}

func (c *Client) ModelMetadata(ctx context.Context, model string) (*ModelMetadata, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("models", model), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var meta ModelMetadata
	if err := decodeResponse(resp, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Infer posts req to /v2/models/{name}/infer. A request id is assigned
// when req has none.
func (c *Client) Infer(ctx context.Context, model string, req *InferRequest) (*InferResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("infer request is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode infer request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("models", model, "infer"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out InferResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return &StatusError{StatusCode: resp.StatusCode, Message: eb.Error}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
