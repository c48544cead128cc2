// Package rsvpclient is a Go client for the RSVP gateway. It only ever talks
// to the gateway; pointing it at the Apps Script host directly is refused.
package rsvpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultProxyPath is the gateway route the client calls.
const DefaultProxyPath = "/api/proxy"

const maxResponseBytes = 1 << 20

var (
	// ErrDirectUpstream is returned by New when the base URL is an Apps Script host.
	ErrDirectUpstream = errors.New("rsvpclient: direct Apps Script calls are blocked, use the gateway")
	// ErrInvalidRSVP is returned by Submit before any request is sent.
	ErrInvalidRSVP = errors.New("rsvpclient: invalid rsvp")
)

// upstreamHosts are the Apps Script hosts the client refuses to call.
var upstreamHosts = map[string]bool{
	"script.google.com":            true,
	"script.googleusercontent.com": true,
}

// validChoices are the answers the RSVP form offers.
var validChoices = map[string]bool{"yes": true, "maybe": true, "no": true}

// Config configures a Client.
type Config struct {
	BaseURL    string        // gateway origin, e.g. https://flowrsvp.vercel.app
	ProxyPath  string        // defaults to DefaultProxyPath
	Origin     string        // sent as the Origin header; the gateway rejects calls without one
	UserAgent  string        // optional
	Timeout    time.Duration // defaults to 30s; ignored when HTTPClient is set
	HTTPClient *http.Client
}

// Client calls the gateway.
type Client struct {
	endpoint   *url.URL
	origin     string
	userAgent  string
	httpClient *http.Client
}

// RSVP is a single invitation response.
type RSVP struct {
	Name      string
	Phone     string
	Choice    string // yes, maybe or no
	Event     string
	Date      string
	Venue     string
	Ref       string
	UserAgent string
}

// Response is a decoded gateway envelope. Body always holds the JSON as
// received; the other fields are set only when it is an object.
type Response struct {
	StatusCode int             `json:"-"`
	Ok         bool            `json:"ok"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Raw        string          `json:"raw,omitempty"`
	Body       json.RawMessage `json:"-"`
}

// Accepted reports whether the backend recorded the call. Older script
// versions answer with success instead of ok.
func (r *Response) Accepted() bool {
	return r.Ok || r.Success
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("rsvpclient: parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("rsvpclient: base url %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	if upstreamHosts[strings.ToLower(base.Hostname())] {
		return nil, fmt.Errorf("%w: %s", ErrDirectUpstream, base.Host)
	}

	path := cfg.ProxyPath
	if path == "" {
		path = DefaultProxyPath
	}
	endpoint := base.JoinPath(path)
	endpoint.RawQuery = ""

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:   endpoint,
		origin:     cfg.Origin,
		userAgent:  cfg.UserAgent,
		httpClient: hc,
	}, nil
}

// Stats fetches the response counters.
func (c *Client) Stats(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, url.Values{"action": {"stats"}}, nil)
}

// Submit records an RSVP as a form post.
func (c *Client) Submit(ctx context.Context, r RSVP) (*Response, error) {
	if strings.TrimSpace(r.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRSVP)
	}
	if !validChoices[r.Choice] {
		return nil, fmt.Errorf("%w: choice %q must be yes, maybe or no", ErrInvalidRSVP, r.Choice)
	}

	form := url.Values{}
	form.Set("name", r.Name)
	form.Set("phone", r.Phone)
	form.Set("choice", r.Choice)
	form.Set("event", r.Event)
	form.Set("date", r.Date)
	form.Set("venue", r.Venue)
	form.Set("ref", r.Ref)
	form.Set("userAgent", r.UserAgent)

	return c.do(ctx, http.MethodPost, nil, []byte(form.Encode()))
}

func (c *Client) do(ctx context.Context, method string, query url.Values, body []byte) (*Response, error) {
	u := *c.endpoint
	u.RawQuery = query.Encode()

	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("rsvpclient: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rsvpclient: %s %s: %w", method, c.endpoint.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("rsvpclient: read response: %w", err)
	}

	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("rsvpclient: decode envelope (status %d): %w", resp.StatusCode, err)
	}
	out := &Response{StatusCode: resp.StatusCode, Body: payload}
	// Upstream JSON is relayed verbatim and need not be an object; envelope
	// fields only exist on objects.
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("rsvpclient: decode envelope fields (status %d): %w", resp.StatusCode, err)
		}
	}
	return out, nil
}
