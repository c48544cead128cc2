package main

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"flowrsvp-gateway/internal/rsvpclient"
)

func TestPrintEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		resp    *rsvpclient.Response
		wantErr bool
	}{
		{
			name: "accepted",
			resp: &rsvpclient.Response{StatusCode: http.StatusOK, Ok: true, Body: []byte(`{"ok":true,"yes":2}`)},
		},
		{
			name:    "rejected",
			resp:    &rsvpclient.Response{StatusCode: http.StatusForbidden, Error: "Forbidden", Body: []byte(`{"ok":false,"error":"Forbidden"}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := printEnvelope(&buf, tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(buf.String(), `"ok":`) {
				t.Errorf("output = %q, want the envelope", buf.String())
			}
		})
	}
}
