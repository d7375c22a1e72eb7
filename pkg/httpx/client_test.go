package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected auth header, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL,
		[]byte(`{"x":1}`), map[string]string{"Authorization": "Bearer tok"}, 0, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected response %d %q", status, body)
	}
}

func TestRequestJSONRetriesFiveHundreds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK || calls.Load() != 2 {
		t.Fatalf("expected retry then success, got status %d after %d calls", status, calls.Load())
	}
}

func TestRequestJSONNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusBadRequest || calls.Load() != 1 {
		t.Fatalf("4xx must not retry, got status %d after %d calls", status, calls.Load())
	}
}

func TestRequestJSONExhaustedRetries(t *testing.T) {
	status, _, err := RequestJSON(context.Background(), &http.Client{Timeout: 10 * time.Millisecond},
		http.MethodGet, "http://127.0.0.1:1", nil, nil, 1, time.Millisecond)
	if err == nil {
		t.Fatalf("expected transport error, got status %d", status)
	}
}

func TestRequestJSONContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := RequestJSON(ctx, &http.Client{Timeout: 5 * time.Millisecond},
		http.MethodGet, "http://127.0.0.1:1", nil, nil, 5, time.Second)
	if err == nil {
		t.Fatal("expected context error")
	}
}
