package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"
)

// consoleHandler writes one line per record:
//
//	2026-01-02T15:04:05Z INFO  merge[report.pdf]: chunk staged chunk=2
//
// component and upload_id form the subject. Remaining attributes are
// encoded by slog's text handler so quoting matches logfmt.
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	addSource bool
	prefix    string
	attrs     []slog.Attr
}

func newConsoleHandler(w io.Writer, level slog.Leveler, addSource bool) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: level, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := slices.Clone(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendFlat(attrs, h.prefix, a)
		return true
	})

	var component, uploadID string
	rest := attrs[:0]
	for _, a := range attrs {
		switch {
		case a.Key == FieldComponent && component == "":
			component = a.Value.String()
		case a.Key == FieldUploadID && uploadID == "":
			uploadID = a.Value.String()
		default:
			rest = append(rest, a)
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %-5s ", ts.UTC().Format(time.RFC3339), r.Level)
	switch {
	case uploadID != "":
		fmt.Fprintf(&buf, "%s[%s]: ", component, uploadID)
	case component != "":
		fmt.Fprintf(&buf, "%s: ", component)
	}
	if r.Message == "" {
		buf.WriteString("(no message)")
	} else {
		buf.WriteString(r.Message)
	}
	if h.addSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fmt.Fprintf(&buf, " [%s:%d]", filepath.Base(frame.File), frame.Line)
	}

	if len(rest) == 0 {
		buf.WriteByte('\n')
	} else {
		buf.WriteByte(' ')
		tail := slog.NewRecord(time.Time{}, r.Level, "", 0)
		tail.AddAttrs(rest...)
		enc := slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: dropBuiltins})
		if err := enc.Handle(ctx, tail); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		clone.attrs = appendFlat(clone.attrs, h.prefix, a)
	}
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// appendFlat expands groups into dotted keys.
func appendFlat(dst []slog.Attr, prefix string, a slog.Attr) []slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, member := range a.Value.Group() {
			dst = appendFlat(dst, prefix, member)
		}
		return dst
	}
	a.Key = prefix + a.Key
	return append(dst, a)
}

func dropBuiltins(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && (a.Key == slog.LevelKey || a.Key == slog.MessageKey) {
		return slog.Attr{}
	}
	return a
}
