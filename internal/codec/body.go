// Package codec re-encodes inbound POST bodies for the upstream script.
//
// A body is classified once, from its declared Content-Type, into one of
// three kinds. Each kind has a single encode rule:
//
//   - KindJSON: decode to an object ({} when malformed), set "origin",
//     re-serialize, send as application/json.
//   - KindForm: parse as a query string, set "origin" exactly once,
//     re-serialize, send as application/x-www-form-urlencoded.
//   - KindOpaque: send the bytes unchanged with the declared Content-Type.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
)

// Kind identifies how a body is re-encoded.
type Kind int

const (
	KindOpaque Kind = iota
	KindJSON
	KindForm
)

const (
	MIMEJSON = "application/json"
	MIMEForm = "application/x-www-form-urlencoded"
)

// OriginField is the key injected into JSON and form bodies.
const OriginField = "origin"

// String returns a stable label for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	case KindOpaque:
		return "opaque"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Classify maps a Content-Type header value onto a Kind.
// Media-type parameters are ignored; unparsable values are opaque.
func Classify(contentType string) Kind {
	if strings.TrimSpace(contentType) == "" {
		return KindOpaque
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return KindOpaque
	}
	switch mt {
	case MIMEJSON:
		return KindJSON
	case MIMEForm:
		return KindForm
	}
	return KindOpaque
}

// Encoded is a body ready to send upstream. ContentType may be empty for
// opaque bodies that arrived without one.
type Encoded struct {
	Kind        Kind
	Body        []byte
	ContentType string
}

// Encode re-encodes raw according to the kind of contentType, stamping origin
// into JSON and form bodies. It never fails: malformed input degrades to the
// kind's empty value.
func Encode(contentType string, raw []byte, origin string) Encoded {
	switch kind := Classify(contentType); kind {
	case KindJSON:
		return Encoded{Kind: kind, Body: encodeJSON(raw, origin), ContentType: MIMEJSON}
	case KindForm:
		return Encoded{Kind: kind, Body: []byte(encodeForm(raw, origin)), ContentType: MIMEForm}
	default:
		return Encoded{Kind: KindOpaque, Body: raw, ContentType: contentType}
	}
}

func encodeJSON(raw []byte, origin string) []byte {
	obj, ok := decodeObject(raw)
	if !ok {
		obj = map[string]any{}
	}
	obj[OriginField] = origin

	out, err := json.Marshal(obj)
	if err != nil {
		// Decoded values always re-marshal.
		return []byte(`{}`)
	}
	return out
}

// decodeObject parses raw as exactly one JSON object. Numbers stay
// json.Number so integers survive re-serialization unchanged.
func decodeObject(raw []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return obj, true
}

func encodeForm(raw []byte, origin string) string {
	// ParseQuery keeps every well-formed pair even when it reports an error.
	values, _ := url.ParseQuery(string(raw))
	values.Set(OriginField, origin)
	return values.Encode()
}
