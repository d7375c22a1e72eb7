package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestWebhookNotify(t *testing.T) {
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	payload := map[string]interface{}{"id": "req-1", "action": "wire funds"}
	if err := wh.Notify(context.Background(), "approval_requested", payload); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Event != "approval_requested" {
		t.Fatalf("unexpected event %q", got.Event)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("envelope timestamp missing")
	}
	req, ok := got.Request.(map[string]interface{})
	if !ok || req["id"] != "req-1" {
		t.Fatalf("unexpected request payload %+v", got.Request)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Notify(context.Background(), "approval_requested", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWebhookRejectsNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	wh, err := NewWebhook(srv.URL)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Notify(context.Background(), "approval_requested", nil); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestNewWebhookValidation(t *testing.T) {
	if _, err := NewWebhook("ftp://example.com"); err == nil {
		t.Fatal("expected error for non-http url")
	}
	if _, err := NewWebhook(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	failed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.failed {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaNotify(t *testing.T) {
	fw := &fakeKafkaWriter{}
	k := &Kafka{writer: fw}
	if err := k.Notify(context.Background(), "approval_requested", map[string]interface{}{"id": "req-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "approval_requested" {
		t.Fatalf("unexpected key %q", fw.msgs[0].Key)
	}
	var env envelope
	if err := json.Unmarshal(fw.msgs[0].Value, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != "approval_requested" {
		t.Fatalf("unexpected event %q", env.Event)
	}
}

func TestNewKafkaValidation(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{Topic: "t"}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	fw := &fakeKafkaWriter{}
	ok := &Kafka{writer: fw}
	bad := &Kafka{writer: &fakeKafkaWriter{failed: true}}
	m := Multi{ok, bad}
	err := m.Notify(context.Background(), "approval_requested", nil)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(fw.msgs) != 1 {
		t.Fatal("healthy channel must still be attempted")
	}
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Notify(context.Background(), "x", nil); err != nil {
		t.Fatalf("noop: %v", err)
	}
}
