// Package upstream provides the HTTP client for the gateway's backend services.
// Every failure caused by a backend, or by failing to reach one, is reported as
// a *model.ProxyError. A request the gateway cannot encode or build is a plain
// error and is never sent.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/model"
)

const userAgent = "ilps-gateway/1.0"

// maxErrorBody caps how much of an upstream error body is read for its detail.
const maxErrorBody = 1 << 20

// Request describes one call to an upstream service.
type Request struct {
	Method string
	// Path is joined to the endpoint base URL; "" addresses the service root.
	Path  string
	Query url.Values
	// JSON, when non-nil, is encoded as the request body.
	JSON any
	// Body and ContentType are used when JSON is nil.
	Body        io.Reader
	ContentType string
}

// Response is a fully read 2xx upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON returns the body as raw JSON, or a BadGateway error when it is not valid JSON.
func (r *Response) JSON() (json.RawMessage, error) {
	if !json.Valid(r.Body) {
		return nil, model.BadGateway("upstream returned a malformed response", nil)
	}
	return json.RawMessage(r.Body), nil
}

// Decode unmarshals the body into v, reporting BadGateway on failure.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return model.BadGateway("upstream returned a malformed response", err)
	}
	return nil
}

// Client sends requests to upstream services over one shared connection pool.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	streamLimit  time.Duration
	breakers     map[string]*gobreaker.CircuitBreaker
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewClient creates a Client with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	traced := otelhttp.NewTransport(transport)

	c := &Client{
		httpClient: &http.Client{
			Transport: traced,
			Timeout:   cfg.Upstream.Timeout(),
		},
		// Streams are bounded by a context deadline instead of Client.Timeout,
		// which would also cut off reads.
		streamClient: &http.Client{Transport: traced},
		streamLimit:  cfg.Upstream.StreamTimeout(),
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
	}

	if cfg.Upstream.Breaker.Enabled {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker, len(cfg.Services))
		for name := range cfg.Services {
			c.breakers[name] = newBreaker(name, cfg.Upstream.Breaker, m)
		}
	}

	return c
}

func newBreaker(name string, bc config.BreakerConfig, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	threshold := uint32(bc.Threshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Duration(bc.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Callers that hang up are not a sign of an unhealthy service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
}

// Call performs req against ep and returns the fully read 2xx response.
// Non-2xx statuses become UpstreamRejected with the upstream's detail; a call
// that gets no response becomes UpstreamUnavailable (503).
func (c *Client) Call(ctx context.Context, ep config.Endpoint, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, ep, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c.httpClient, ep, httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.reject(ctx, ep, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logFailure(ctx, ep, err)
		return nil, model.UpstreamUnavailable(transportDetail(err), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// StreamResponse is an open 2xx upstream response whose body is read incrementally.
// Closing Body releases the connection and the stream deadline.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Stream opens a long-lived call to ep. The whole transaction, connect plus all
// reads, is bounded by the configured stream timeout. The caller must close Body.
func (c *Client) Stream(ctx context.Context, ep config.Endpoint, req Request) (*StreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamLimit)

	httpReq, err := c.newRequest(ctx, ep, req)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(c.streamClient, ep, httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		return nil, c.reject(ctx, ep, resp)
	}

	return &StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) newRequest(ctx context.Context, ep config.Endpoint, req Request) (*http.Request, error) {
	body := req.Body
	contentType := req.ContentType
	if req.JSON != nil {
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode upstream request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, buildURL(ep.BaseURL, req.Path, req.Query), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if id := logging.RequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-Id", id)
	}

	logging.FromContext(ctx, c.logger).Info("proxying request to service",
		"service", ep.Name,
		"method", method,
		"path", httpReq.URL.Path,
	)

	return httpReq, nil
}

// do sends req through the service's circuit breaker when one is configured.
func (c *Client) do(hc *http.Client, ep config.Endpoint, req *http.Request) (*http.Response, error) {
	start := time.Now()
	method := metrics.NormalizeMethod(req.Method)

	var (
		resp *http.Response
		err  error
	)
	if cb, ok := c.breakers[ep.Name]; ok {
		var out any
		out, err = cb.Execute(func() (any, error) {
			return hc.Do(req) //nolint:bodyclose // closed by the caller
		})
		if r, ok := out.(*http.Response); ok {
			resp = r
		}
	} else {
		resp, err = hc.Do(req) //nolint:bodyclose // closed by the caller
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(ep.Name, method).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(ep.Name).Inc()
		}
		c.logFailure(req.Context(), ep, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, model.UpstreamUnavailable(fmt.Sprintf("service %s is temporarily unavailable", ep.Name), err)
		}
		return nil, model.UpstreamUnavailable(transportDetail(err), err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(ep.Name, method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// reject converts a non-2xx response into UpstreamRejected.
func (c *Client) reject(ctx context.Context, ep config.Endpoint, resp *http.Response) *model.ProxyError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	pe := model.UpstreamRejected(resp.StatusCode, errorDetail(body))

	logging.FromContext(ctx, c.logger).Error("service returned an error response",
		"service", ep.Name,
		"status", resp.StatusCode,
		"detail", pe.DetailString(),
	)
	return pe
}

func (c *Client) logFailure(ctx context.Context, ep config.Endpoint, err error) {
	logging.FromContext(ctx, c.logger).Error("service is unavailable",
		"service", ep.Name,
		"err", transportDetail(err),
	)
}

// errorDetail extracts the detail value from an upstream error body. A JSON
// object without detail yields "Unknown error"; anything that is not a JSON
// object is passed through as text.
func errorDetail(body []byte) any {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	detail, ok := payload["detail"]
	if !ok {
		return model.UnknownErrorDetail
	}
	return detail
}

// transportDetail renders a transport error without the request URL.
func transportDetail(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err.Error()
	}
	return err.Error()
}

func buildURL(base, path string, query url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Caller is the subset of Client used by components that make ordinary calls.
type Caller interface {
	Call(ctx context.Context, ep config.Endpoint, req Request) (*Response, error)
}

var _ Caller = (*Client)(nil)

// Streamer is the subset of Client used by stream relays.
type Streamer interface {
	Stream(ctx context.Context, ep config.Endpoint, req Request) (*StreamResponse, error)
}

var _ Streamer = (*Client)(nil)
