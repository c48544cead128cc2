// Package origin decides whether a caller's Web origin may use the gateway.
package origin

import (
	"net/http"
	"net/url"
	"strings"

	"flowrsvp-gateway/internal/config"
)

// Policy is a fixed allow-list: one production hostname plus preview
// deployments named <prefix>*<suffix>. The zero value allows nothing.
type Policy struct {
	productionHost string
	previewSuffix  string
	previewPrefix  string
}

// Decision is the per-request outcome of the allow-list check.
// Origin is the serialized caller origin, empty when none could be determined.
type Decision struct {
	Origin  string
	Allowed bool
}

// NewPolicy builds a Policy from the origins section of the config.
func NewPolicy(cfg *config.Config) *Policy {
	return &Policy{
		productionHost: strings.ToLower(cfg.Origins.ProductionHost),
		previewSuffix:  strings.ToLower(cfg.Origins.PreviewSuffix),
		previewPrefix:  strings.ToLower(cfg.Origins.PreviewPrefix),
	}
}

// Allowed reports whether origin's hostname is on the allow-list.
// Empty, "null" and malformed values are never allowed.
func (p *Policy) Allowed(origin string) bool {
	host := hostname(origin)
	if host == "" {
		return false
	}
	if p.productionHost != "" && host == p.productionHost {
		return true
	}
	return p.matchesPreview(host)
}

// matchesPreview reports whether host is <prefix><label><suffix> where label
// is a non-empty single DNS label.
func (p *Policy) matchesPreview(host string) bool {
	if p.previewSuffix == "" {
		return false
	}
	if !strings.HasSuffix(host, p.previewSuffix) || !strings.HasPrefix(host, p.previewPrefix) {
		return false
	}
	if len(host) <= len(p.previewPrefix)+len(p.previewSuffix) {
		return false
	}
	label := host[len(p.previewPrefix) : len(host)-len(p.previewSuffix)]
	return label != "" && !strings.Contains(label, ".")
}

// Decide resolves the caller origin from the Origin header, falling back to
// the scheme and host of Referer, and checks it against the allow-list.
func (p *Policy) Decide(h http.Header) Decision {
	o := h.Get("Origin")
	if o == "" {
		o = refererOrigin(h.Get("Referer"))
	}
	if o == "" {
		return Decision{}
	}
	return Decision{Origin: o, Allowed: p.Allowed(o)}
}

// hostname extracts the lower-cased hostname of an http(s) origin, or "".
func hostname(origin string) string {
	if origin == "" || origin == "null" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil || u.Opaque != "" || u.User != nil {
		return ""
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// refererOrigin reduces a Referer URL to its scheme://host origin.
func refererOrigin(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
