// Package model defines request-scoped types shared by the gateway layers.
package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// ForwardRequest is an inbound gateway call after the origin has been verified.
type ForwardRequest struct {
	Ctx    context.Context
	Method string
	Origin string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the fully read upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Envelope is the normalized JSON body returned to gateway callers.
// At most one of Raw, Text and Fail is set. Raw is upstream JSON and is
// emitted verbatim.
type Envelope struct {
	StatusCode int
	Raw        json.RawMessage
	Fail       *Failure
	Text       *string
}

// Failure is the {ok:false} envelope shape.
type Failure struct {
	Ok     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// textEnvelope is the {ok:true, raw} shape for non-JSON upstream bodies.
type textEnvelope struct {
	Ok  bool   `json:"ok"`
	Raw string `json:"raw"`
}

// NewFailure builds an {ok:false} envelope.
func NewFailure(status int, msg, detail string) *Envelope {
	return &Envelope{StatusCode: status, Fail: &Failure{Error: msg, Detail: detail}}
}

// NormalizeUpstream maps an upstream reply onto an envelope, preserving its status.
func NormalizeUpstream(resp *UpstreamResponse) *Envelope {
	if json.Valid(resp.Body) {
		return &Envelope{StatusCode: resp.StatusCode, Raw: json.RawMessage(resp.Body)}
	}
	text := string(resp.Body)
	return &Envelope{StatusCode: resp.StatusCode, Text: &text}
}

// MarshalJSON renders whichever shape the envelope carries.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	switch {
	case e.Fail != nil:
		return json.Marshal(e.Fail)
	case e.Text != nil:
		return json.Marshal(textEnvelope{Ok: true, Raw: *e.Text})
	case e.Raw != nil:
		return e.Raw, nil
	default:
		return []byte(`{"ok":true}`), nil
	}
}
