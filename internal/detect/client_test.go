package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDetectCountsPredictions(t *testing.T) {
	imageBytes := []byte("canonical-jpeg-bytes")
	annotated := []byte("annotated-jpeg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.URL.Query().Get("api_key"); got != "secret" {
			t.Errorf("api_key = %q", got)
		}
		if got := r.URL.Query().Get("stroke"); got != "3" {
			t.Errorf("stroke = %q", got)
		}
		if got := r.URL.Query().Get("labels"); got != "true" {
			t.Errorf("labels = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Errorf("body is not base64: %v", err)
		}
		if !bytes.Equal(decoded, imageBytes) {
			t.Errorf("payload mismatch")
		}
		switch r.URL.Query().Get("format") {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"predictions":[{"x":1},{"x":2},{"x":3}]}`))
		case "image":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(annotated)
		default:
			t.Errorf("unexpected format %q", r.URL.Query().Get("format"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", Options{Stroke: 3, Labels: true})
	det, err := c.Detect(context.Background(), imageBytes)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if det.Count != 3 {
		t.Fatalf("count = %d, want 3", det.Count)
	}
	if !bytes.Equal(det.Annotated, annotated) {
		t.Fatalf("annotated mismatch")
	}
}

func TestDetectEmptyTrayIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "json" {
			_, _ = w.Write([]byte(`{"predictions":[]}`))
			return
		}
		_, _ = w.Write([]byte("img"))
	}))
	defer srv.Close()

	det, err := New(srv.URL, "k", Options{}).Detect(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if det.Count != 0 {
		t.Fatalf("count = %d, want 0", det.Count)
	}
}

func TestDetectUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "k", Options{}).Detect(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestDetectMalformedBody(t *testing.T) {
	cases := map[string]string{
		"not json":            `<html>err</html>`,
		"missing predictions": `{"time": 0.2}`,
	}
	for name, body := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		if _, err := New(srv.URL, "k", Options{}).Detect(context.Background(), []byte("x")); err == nil {
			t.Errorf("%s: expected error", name)
		}
		srv.Close()
	}
}

func TestDetectAnnotatedRenderFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "json" {
			_, _ = w.Write([]byte(`{"predictions":[{"x":1}]}`))
			return
		}
		http.Error(w, "render broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	det, err := New(srv.URL, "k", Options{}).Detect(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if det.Count != 1 {
		t.Fatalf("count = %d, want 1", det.Count)
	}
	if det.Annotated != nil {
		t.Fatal("annotated should be nil when render fails")
	}
}
