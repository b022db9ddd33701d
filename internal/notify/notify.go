package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/crossbario/crossbar-sub003/internal/logging"
)

// Status is the lifecycle stage an event reports.
type Status string

const (
	StatusStarted  Status = "started"
	StatusProgress Status = "progress"
	StatusFinished Status = "finished"
)

// Payload is the structured body handed to a Publisher.
type Payload map[string]any

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload Payload) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, topic string, payload Payload) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, topic string, payload Payload) error {
	return f(ctx, topic, payload)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, Payload) error { return nil }

// Event describes one lifecycle step of an upload.
type Event struct {
	ID          string
	Chunk       int
	Name        string
	Total       int
	Remaining   int
	Status      Status
	Progress    float64
	ChunkExtra  any
	FinishExtra any
}

// Payload renders the event. finish_extra is present only on finished events.
func (e Event) Payload() Payload {
	progress := e.Progress
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	p := Payload{
		"id":          e.ID,
		"chunk":       e.Chunk,
		"name":        e.Name,
		"total":       e.Total,
		"remaining":   e.Remaining,
		"status":      string(e.Status),
		"progress":    progress,
		"chunk_extra": e.ChunkExtra,
	}
	if e.Status == StatusFinished {
		p["finish_extra"] = e.FinishExtra
	}
	return p
}

// Notifier emits events without ever failing the caller.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// New wraps publisher. A nil publisher behaves like Nop.
func New(publisher Publisher, logger *slog.Logger) *Notifier {
	if publisher == nil {
		publisher = Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{publisher: publisher, logger: logger}
}

// Emit publishes ev to topic. An empty topic is a no-op; publisher errors are
// logged at warn level and dropped.
func (n *Notifier) Emit(ctx context.Context, topic string, ev Event) {
	if n == nil {
		return
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	if err := n.publisher.Publish(ctx, topic, ev.Payload()); err != nil {
		logging.WarnWithContext(n.logger, "progress notification failed", "notify_failed",
			logging.String(logging.FieldUploadID, ev.ID),
			logging.Int(logging.FieldChunk, ev.Chunk),
			logging.String("status", string(ev.Status)),
			logging.String("topic", topic),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_url and network reachability"),
			logging.String(logging.FieldImpact, "client progress display may lag; upload unaffected"),
		)
	}
}
