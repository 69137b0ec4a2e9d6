package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/thrallguard/thrall/internal/breaker"
	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/filter"
	"github.com/thrallguard/thrall/internal/pipeline"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/trust"
)

// fakeContext is a minimal Context for tests; it never needs VaultGet or Log
// to do anything real.
type fakeContext struct {
	dir    string
	nodeID string
}

func (f *fakeContext) SendMail(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error {
	return nil
}
func (f *fakeContext) Log(line string)                    {}
func (f *fakeContext) PluginDir() string                  { return f.dir }
func (f *fakeContext) VaultGet(key string) (string, bool) { return "", false }
func (f *fakeContext) NodeID() string                     { return f.nodeID }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "plugin.toml"), `
loop_threshold = 2
knock_threshold = 10
`)
	writeFile(t, filepath.Join(dir, "hotwires", "spam.toml"), `
name = "spam-rules"
[[rules]]
field = "body_text"
pattern = ".*"
action = "forward"
reason = "default pass"
`)
	writeFile(t, filepath.Join(dir, "recipes", "01-triage.toml"), `
name = "mail-triage"
enabled = true
mode = "automated"

[trigger]
type = "on_mail"

[filter]

[evaluate]
type = "hotwire"
hotwire_ref = "spam-rules"
fallback_action = "forward"

[actions.forward]
[[actions.forward.steps]]
type = "log"
message = "forwarded"
`)

	mgr, err := config.NewManager(dir, nil)
	if err != nil {
		t.Fatalf("config.NewManager: %v", err)
	}
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guard, err := breaker.NewGuard(filepath.Join(dir, "breakers"), mgr.Current().Plugin, st, nil, nil)
	if err != nil {
		t.Fatalf("breaker.NewGuard: %v", err)
	}
	resolver := trust.NewResolver(trust.Tiers{})
	flt := filter.New(guard, resolver, st)

	eng, err := pipeline.New(pipeline.Dependencies{
		Store:     st,
		Config:    mgr,
		Filter:    flt,
		Guard:     guard,
		Trust:     resolver,
		Mail:      func(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error { return nil },
		PluginDir: dir,
		OwnNodeID: "thisnodeid0000000000000000000000",
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	return New(eng, &fakeContext{dir: dir, nodeID: "thisnodeid0000000000000000000000"}), st
}

func TestRunner_OnMailReceived(t *testing.T) {
	r, st := newTestRunner(t)
	err := r.OnMailReceived(context.Background(), "text", "ad8d21d81a4979930000000000000000", "localnode", "hello", "")
	if err != nil {
		t.Fatalf("OnMailReceived: %v", err)
	}
	row, err := st.LastJournal(context.Background(), "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row.ActionName != "forward" {
		t.Errorf("ActionName = %q, want forward", row.ActionName)
	}
}

func TestRunner_OnTick_IncrementsTick(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	if err := r.OnTick(ctx, 3, "ok"); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if err := r.OnTick(ctx, 4, "ok"); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if r.ticks.Load() != 2 {
		t.Errorf("ticks = %d, want 2", r.ticks.Load())
	}
}

func TestRunner_OnShutdown(t *testing.T) {
	r, _ := newTestRunner(t)
	if err := r.OnShutdown(context.Background()); err != nil {
		t.Errorf("OnShutdown: %v", err)
	}
}
