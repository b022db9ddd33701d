package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/notify"
)

func TestEventPayloadKeys(t *testing.T) {
	progress := notify.Event{
		ID: "f", Chunk: 2, Name: "f", Total: 2, Remaining: 1,
		Status: notify.StatusStarted, Progress: 0.5,
		ChunkExtra: map[string]any{"k": "v"}, FinishExtra: "ignored",
	}.Payload()
	for _, key := range []string{"id", "chunk", "name", "total", "remaining", "status", "progress", "chunk_extra"} {
		if _, ok := progress[key]; !ok {
			t.Fatalf("payload missing %q: %v", key, progress)
		}
	}
	if _, ok := progress["finish_extra"]; ok {
		t.Fatal("finish_extra must only appear on finished events")
	}

	finished := notify.Event{ID: "f", Status: notify.StatusFinished, Progress: 1.5, FinishExtra: "done"}.Payload()
	if finished["finish_extra"] != "done" {
		t.Fatalf("expected finish_extra on finished event, got %v", finished)
	}
	if finished["progress"] != 1.0 {
		t.Fatalf("expected progress clamped to 1, got %v", finished["progress"])
	}
}

func TestEmitSkipsEmptyTopic(t *testing.T) {
	var calls int
	n := notify.New(notify.Func(func(context.Context, string, notify.Payload) error {
		calls++
		return nil
	}), logging.NewNop())

	n.Emit(context.Background(), "", notify.Event{ID: "f"})
	n.Emit(context.Background(), "   ", notify.Event{ID: "f"})
	if calls != 0 {
		t.Fatalf("expected no publishes without a topic, got %d", calls)
	}

	n.Emit(context.Background(), "progress", notify.Event{ID: "f"})
	if calls != 1 {
		t.Fatalf("expected one publish, got %d", calls)
	}
}

func TestEmitSwallowsPublisherErrors(t *testing.T) {
	n := notify.New(notify.Func(func(context.Context, string, notify.Payload) error {
		return errors.New("channel down")
	}), logging.NewNop())
	// Emit has no return value; reaching the end without panic is the contract.
	n.Emit(context.Background(), "topic", notify.Event{ID: "f", Status: notify.StatusProgress})

	var nilNotifier *notify.Notifier
	nilNotifier.Emit(context.Background(), "topic", notify.Event{ID: "f"})
	notify.New(nil, nil).Emit(context.Background(), "topic", notify.Event{ID: "f"})
}

func TestNewPublisherReturnsNopWithoutURL(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyURL = ""
	pub := notify.NewPublisher(&cfg, logging.NewNop())
	if _, ok := pub.(notify.Nop); !ok {
		t.Fatalf("expected Nop publisher, got %T", pub)
	}
}

func TestNtfyPublisherPostsJSON(t *testing.T) {
	var (
		gotPath  string
		gotTitle string
		gotBody  map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		gotTitle = r.Header.Get("Title")
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyURL = server.URL + "/"
	cfg.Notifications.RequestTimeout = 5
	pub := notify.NewPublisher(&cfg, logging.NewNop())

	ev := notify.Event{ID: "report.pdf", Chunk: 1, Name: "report.pdf", Total: 1, Status: notify.StatusFinished, Progress: 1}
	if err := pub.Publish(context.Background(), "uploads/alice", ev.Payload()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if gotPath != "/uploads%2Falice" {
		t.Fatalf("unexpected topic path: %q", gotPath)
	}
	if gotTitle != "Upload finished: report.pdf" {
		t.Fatalf("unexpected title: %q", gotTitle)
	}
	if gotBody["status"] != "finished" || gotBody["id"] != "report.pdf" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestNtfyPublisherRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pub := notify.NewNtfyPublisher(server.URL, 5*time.Second, 2, nil)
	if err := pub.Publish(context.Background(), "t", notify.Payload{"status": "progress"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestNtfyPublisherReportsClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden topic", http.StatusForbidden)
	}))
	defer server.Close()

	pub := notify.NewNtfyPublisher(server.URL, 5*time.Second, 0, nil)
	err := pub.Publish(context.Background(), "t", notify.Payload{})
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}
