// Package service implements the core gateway forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"flowrsvp-gateway/internal/client"
	"flowrsvp-gateway/internal/codec"
	"flowrsvp-gateway/internal/config"
	"flowrsvp-gateway/internal/metrics"
	"flowrsvp-gateway/internal/model"
	"flowrsvp-gateway/internal/origin"
)

// ErrTransport marks failures of the outbound call itself (DNS, dial, TLS,
// timeout, reset). Upstream replies of any status are not transport failures.
var ErrTransport = errors.New("upstream transport failure")

// allowedUpstreamHosts restricts which hosts the gateway will forward to.
var allowedUpstreamHosts = map[string]bool{
	"script.google.com": true,
}

// forwardableRequestHeaders are the only inbound headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
}

const userAgent = "flowrsvp-gateway/1.0"

// TransportError wraps a failed outbound call with the inbound method.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s upstream: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Detail returns the root cause of the failure without the upstream URL.
func (e *TransportError) Detail() string {
	var urlErr *url.Error
	if errors.As(e.Err, &urlErr) {
		return urlErr.Err.Error()
	}
	return e.Err.Error()
}

// GatewayService forwards verified calls to the upstream script.
type GatewayService struct {
	client  *client.UpstreamClient
	policy  *origin.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	baseURL *url.URL
}

// NewGatewayService creates a GatewayService. The metrics parameter is optional.
func NewGatewayService(c *client.UpstreamClient, cfg *config.Config, p *origin.Policy, m *metrics.Metrics, logger *slog.Logger) (*GatewayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newGatewayService(c, p, m, logger, u), nil
}

// NewGatewayServiceForTest creates a GatewayService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewGatewayServiceForTest(c *client.UpstreamClient, cfg *config.Config, p *origin.Policy, m *metrics.Metrics, logger *slog.Logger) (*GatewayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return newGatewayService(c, p, m, logger, u), nil
}

func newGatewayService(c *client.UpstreamClient, p *origin.Policy, m *metrics.Metrics, logger *slog.Logger, u *url.URL) *GatewayService {
	return &GatewayService{
		client:  c,
		policy:  p,
		metrics: m,
		logger:  logger.With("component", "gateway_service"),
		baseURL: u,
	}
}

// Decide applies the origin allow-list to the inbound headers.
func (s *GatewayService) Decide(h http.Header) origin.Decision {
	d := s.policy.Decide(h)
	if s.metrics != nil {
		label := "rejected"
		if d.Allowed {
			label = "allowed"
		}
		s.metrics.OriginDecisions.WithLabelValues(label).Inc()
	}
	return d
}

// Forward sends a verified request upstream exactly once and normalizes the
// reply. Only GET and POST are forwarded; only POST carries a body.
// A failed outbound call returns a *TransportError.
func (s *GatewayService) Forward(fr *model.ForwardRequest) (*model.Envelope, error) {
	if fr.Method != http.MethodGet && fr.Method != http.MethodPost {
		return nil, fmt.Errorf("forward: unsupported method %q", fr.Method)
	}

	target := s.buildUpstreamURL(fr.Query, fr.Origin)
	header := s.filterRequestHeaders(fr.Header)

	var body []byte
	if fr.Method == http.MethodPost {
		enc := codec.Encode(fr.Header.Get("Content-Type"), fr.Body, fr.Origin)
		body = enc.Body
		if body == nil {
			body = []byte{}
		}
		if enc.ContentType != "" {
			header.Set("Content-Type", enc.ContentType)
		}
		if s.metrics != nil {
			s.metrics.ForwardedBodies.WithLabelValues(enc.Kind.String()).Inc()
		}
		s.logger.Debug("forwarding request",
			"method", fr.Method,
			"kind", enc.Kind.String(),
			"bytes", len(body),
			"origin", fr.Origin,
		)
	} else {
		s.logger.Debug("forwarding request",
			"method", fr.Method,
			"origin", fr.Origin,
		)
	}

	ctx := fr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := s.client.Send(ctx, fr.Method, target, header, body)
	if errors.Is(err, client.ErrResponseTooLarge) {
		return model.NewFailure(http.StatusBadGateway, "Upstream response too large", ""), nil
	}
	if err != nil {
		return nil, &TransportError{Method: fr.Method, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Warn("upstream returned error status",
			"method", fr.Method,
			"status", resp.StatusCode,
		)
	}
	return model.NormalizeUpstream(resp), nil
}

// buildUpstreamURL copies the inbound query onto the fixed upstream URL and
// stamps the verified origin.
func (s *GatewayService) buildUpstreamURL(query url.Values, callerOrigin string) string {
	u := *s.baseURL

	q := u.Query()
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	if callerOrigin != "" {
		q.Set(codec.OriginField, callerOrigin)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (s *GatewayService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}
