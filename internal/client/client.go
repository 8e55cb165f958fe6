// Package client is a typed HTTP client for the image generation service.
package client

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

	"github.com/rs/zerolog"

	"zstudio/pkg/types"
)

// ErrMalformedResponse marks a 2xx response whose body could not be used.
var ErrMalformedResponse = errors.New("malformed response")

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Code   int
	Status string
	// Detail is the service's error detail when it sent one.
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return "service http error: " + e.Status + ": " + e.Detail
	}
	return "service http error: " + e.Status
}

// StatusCode returns the HTTP status code.
func (e *HTTPError) StatusCode() int { return e.Code }

// IsHTTPError reports whether err carries a non-2xx response.
func IsHTTPError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Client talks to the service's REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// New constructs a client. Requests carry no client-level timeout; callers
// bound them through ctx.
func New(opts Options) *Client {
	cli := opts.HTTPClient
	if cli == nil {
		connect := opts.ConnectTimeout
		if connect <= 0 {
			connect = 10 * time.Second
		}
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		cli = &http.Client{Transport: tr, Timeout: 0}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: cli,
		log:        opts.Logger,
	}
}

// BaseURL returns the service root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate issues POST /generate. requestID, when set, is sent as X-Request-ID.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest, requestID string) (types.GenerateResponse, error) {
	var out types.GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/generate", requestID, req, &out); err != nil {
		return out, err
	}
	if strings.TrimSpace(out.Image) == "" {
		return out, fmt.Errorf("%w: /generate: missing image", ErrMalformedResponse)
	}
	return out, nil
}

// LoadModel issues POST /load-model. Readiness is reported on the notification channel.
func (c *Client) LoadModel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/load-model", "", struct{}{}, nil)
}

// Settings issues GET /settings.
func (c *Client) Settings(ctx context.Context) (types.SettingsResponse, error) {
	var out types.SettingsResponse
	err := c.do(ctx, http.MethodGet, "/settings", "", nil, &out)
	return out, err
}

// SetModelPath issues POST /settings/model-path.
func (c *Client) SetModelPath(ctx context.Context, req types.ModelPathRequest) (types.AckResponse, error) {
	var out types.AckResponse
	err := c.do(ctx, http.MethodPost, "/settings/model-path", "", req, &out)
	return out, err
}

// Status issues GET /status.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", "", nil, &out)
	return out, err
}

// Health issues GET /health and fails unless the service reports ok.
func (c *Client) Health(ctx context.Context) error {
	var out types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("%w: /health: status=%q", ErrMalformedResponse, out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, requestID string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Report the caller's deadline/cancel rather than the transport wrapper.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).Str("request_id", requestID).Msg("service call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Code: resp.StatusCode, Status: resp.Status, Detail: errorDetail(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

// errorDetail extracts {"detail": ...} from an error body, falling back to the raw text.
func errorDetail(b []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &e); err == nil && len(e.Detail) > 0 {
		var s string
		if err := json.Unmarshal(e.Detail, &s); err == nil {
			return s
		}
		return string(e.Detail)
	}
	return strings.TrimSpace(string(b))
}
