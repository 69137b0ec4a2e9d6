package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// EventLogHandler is a slog.Handler that renders records as a
// newline-delimited event log:
//
//	YYYY-MM-DD HH:MM:SS [<ACTION>] <16-hex-or-dash> <free-text>
//
// ACTION comes from the record's "stage" or "event" attribute (falling back
// to the record level name); the sender tag comes from "sender" or
// "target". Both the tag and the free text are stripped of CR/LF before
// writing, defending against log injection from attacker-controlled mail
// bodies ending up in a classification reason.
type EventLogHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEventLogHandler wraps w as the thrall.log sink.
func NewEventLogHandler(w io.Writer) *EventLogHandler {
	return &EventLogHandler{w: w}
}

var _ slog.Handler = (*EventLogHandler)(nil)

// Enabled accepts every level; filtering event-worthiness is the caller's
// job (only Stage/BreakerEvent/Info-class calls are expected to reach it).
func (h *EventLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *EventLogHandler) Handle(_ context.Context, r slog.Record) error {
	action := strings.ToUpper(r.Level.String())
	tag := "-"

	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "stage", "event":
			action = a.Value.String()
		case "sender", "target":
			tag = a.Value.String()
		}
		return true
	})

	line := fmt.Sprintf("%s [%s] %s %s",
		r.Time.UTC().Format("2006-01-02 15:04:05"),
		sanitizeLine(action),
		sanitizeLine(tag),
		sanitizeLine(r.Message),
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *EventLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// The event log format carries no structured attrs beyond action/tag/
	// message; WithAttrs is a no-op passthrough so slog's API contract is
	// satisfied without growing the line format.
	return h
}

func (h *EventLogHandler) WithGroup(name string) slog.Handler { return h }

// sanitizeLine strips CR/LF so a single log call can never forge extra
// lines in thrall.log.
func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
