package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-test", &buf)
	if l == nil {
		t.Fatal("NewLogger returned nil")
	}
	if l.NodeID() != "node-test" {
		t.Errorf("NodeID = %q", l.NodeID())
	}
}

func TestNewLogger_NilWriter(t *testing.T) {
	l := NewLogger("node-test", nil)
	if l == nil {
		t.Fatal("NewLogger with nil writer returned nil")
	}
	// Should not panic on log call.
	l.Info("test message")
}

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.Info("hello world", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "hello world") {
		t.Errorf("output missing message: %s", output)
	}
	if !strings.Contains(output, `"node":"node-a"`) {
		t.Errorf("output missing node: %s", output)
	}

	// Should be valid JSON.
	var m map[string]any
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		t.Errorf("invalid JSON: %v", err)
	}
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.Debug("debug msg")

	if !strings.Contains(buf.String(), "debug msg") {
		t.Error("debug message not found")
	}
}

func TestLogger_Warn(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.Warn("warning msg")

	if !strings.Contains(buf.String(), "warning msg") {
		t.Error("warn message not found")
	}
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.Error("error msg", "code", 500)

	output := buf.String()
	if !strings.Contains(output, "error msg") {
		t.Error("error message not found")
	}
	if !strings.Contains(output, "ERROR") {
		t.Error("expected ERROR level")
	}
}

func TestLogger_Stage(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.Stage("filter", "mail-triage", "decided", "kind", "pass")

	output := buf.String()
	if !strings.Contains(output, "decided") {
		t.Error("stage message not found")
	}
	if !strings.Contains(output, `"stage":"filter"`) {
		t.Errorf("stage not found: %s", output)
	}
	if !strings.Contains(output, `"recipe":"mail-triage"`) {
		t.Errorf("recipe not found: %s", output)
	}
}

func TestLogger_BreakerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l.BreakerEvent("trip", "ad8d21d81a497993", "loop_threshold")

	output := buf.String()
	if !strings.Contains(output, `"event":"trip"`) {
		t.Errorf("event not found: %s", output)
	}
	if !strings.Contains(output, `"target":"ad8d21d81a497993"`) {
		t.Errorf("target not found: %s", output)
	}
	if !strings.Contains(output, `"reason":"loop_threshold"`) {
		t.Errorf("reason not found: %s", output)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("node-a", &buf)
	l2 := l.With("session_id", "sess-123")

	l2.Info("with context")

	output := buf.String()
	if !strings.Contains(output, "sess-123") {
		t.Errorf("With context not found: %s", output)
	}
	// The derived logger keeps the node id.
	if l2.NodeID() != "node-a" {
		t.Errorf("NodeID = %q", l2.NodeID())
	}
}
