// Package client provides the HTTP client for the upstream script endpoint.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"flowrsvp-gateway/internal/config"
	"flowrsvp-gateway/internal/metrics"
	"flowrsvp-gateway/internal/model"
)

// maxUpstreamBody caps how much of an upstream reply is buffered.
const maxUpstreamBody = 8 << 20

// ErrResponseTooLarge is returned when an upstream body exceeds the buffer cap.
var ErrResponseTooLarge = errors.New("upstream response too large")

// UpstreamClient sends single-attempt requests to the upstream script.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxBody    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		maxBody: maxUpstreamBody,
	}
}

// Do executes an HTTP request against the upstream and buffers the reply.
// Apps Script answers POSTs with a 302 to script.googleusercontent.com;
// net/http follows it, turning the POST into a GET as browsers do.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "error", start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// One byte past the cap tells a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		c.observe(method, "error", start)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	c.observe(method, strconv.Itoa(resp.StatusCode), start)
	if int64(len(body)) > c.maxBody {
		c.logger.Warn("upstream body over limit",
			"method", req.Method,
			"status", resp.StatusCode,
			"limit_bytes", c.maxBody,
		)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Send builds a request with ctx and executes it. A nil body sends none.
// The context bounds the call together with the client timeout: when the
// inbound request is canceled, the upstream request is canceled too.
func (c *UpstreamClient) Send(ctx context.Context, method, url string, header http.Header, body []byte) (*model.UpstreamResponse, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	return c.Do(req)
}

func (c *UpstreamClient) observe(method, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
}
