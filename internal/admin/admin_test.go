package admin

import (
	"context"
	"os"
	"testing"

	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/store"
)

func newTestService(t *testing.T) (*Service, *config.Manager) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(dir, nil)
	if err != nil {
		t.Fatalf("config.NewManager: %v", err)
	}
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, mgr), mgr
}

func TestService_LoadRejectsMissingTierBinding(t *testing.T) {
	s, _ := newTestService(t)
	resp := s.Handle(context.Background(), Request{
		Op:      "load",
		Name:    "triage",
		Content: "classify this: {{envelope.body_text}}",
	})
	if resp.OK {
		t.Fatal("expected load to reject content missing {{filter.tier}}")
	}
}

func TestService_LoadThenGet(t *testing.T) {
	s, mgr := newTestService(t)
	content := "tier={{filter.tier}} body={{envelope.body_text}}"
	resp := s.Handle(context.Background(), Request{
		Op:       "load",
		Name:     "triage",
		Content:  content,
		ModelRef: "local-default",
		PushedBy: "ad8d21d81a497993",
	})
	if !resp.OK {
		t.Fatalf("load failed: %s", resp.Error)
	}
	if resp.Prompt.Version != 1 {
		t.Errorf("Version = %d, want 1", resp.Prompt.Version)
	}
	if resp.Prompt.Hash == "" || len(resp.Prompt.Hash) != 16 {
		t.Errorf("Hash = %q, want 16 hex chars", resp.Prompt.Hash)
	}

	got := s.Handle(context.Background(), Request{Op: "get", Name: "triage"})
	if !got.OK {
		t.Fatalf("get failed: %s", got.Error)
	}
	if got.Prompt.PushedBy != "ad8d21d81a497993" {
		t.Errorf("PushedBy = %q", got.Prompt.PushedBy)
	}
	if got.Prompt.Hash != resp.Prompt.Hash {
		t.Errorf("hash round-trip mismatch: %q vs %q", got.Prompt.Hash, resp.Prompt.Hash)
	}

	reg := mgr.Current()
	p, ok := reg.Prompt("triage")
	if !ok {
		t.Fatal("expected live registry to carry the pushed prompt")
	}
	if p.TemplateText != content {
		t.Errorf("registry prompt text = %q, want %q", p.TemplateText, content)
	}
}

func TestService_LoadBumpsVersionOnReplace(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	first := s.Handle(ctx, Request{Op: "load", Name: "triage", Content: "v1 {{filter.tier}}"})
	if !first.OK {
		t.Fatalf("first load failed: %s", first.Error)
	}
	second := s.Handle(ctx, Request{Op: "load", Name: "triage", Content: "v2 {{filter.tier}}"})
	if !second.OK {
		t.Fatalf("second load failed: %s", second.Error)
	}
	if second.Prompt.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Prompt.Version)
	}
}

func TestService_GetUnknownPromptFails(t *testing.T) {
	s, _ := newTestService(t)
	resp := s.Handle(context.Background(), Request{Op: "get", Name: "nope"})
	if resp.OK {
		t.Fatal("expected get of unknown prompt to fail")
	}
}

func TestService_ListReturnsAllPrompts(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	s.Handle(ctx, Request{Op: "load", Name: "a", Content: "{{filter.tier}}"})
	s.Handle(ctx, Request{Op: "load", Name: "b", Content: "{{filter.tier}}"})

	resp := s.Handle(ctx, Request{Op: "list"})
	if !resp.OK {
		t.Fatalf("list failed: %s", resp.Error)
	}
	if len(resp.Prompts) != 2 {
		t.Errorf("Prompts = %d, want 2", len(resp.Prompts))
	}
}

func TestService_UnknownOp(t *testing.T) {
	s, _ := newTestService(t)
	resp := s.Handle(context.Background(), Request{Op: "delete", Name: "x"})
	if resp.OK {
		t.Fatal("expected unknown op to fail")
	}
}
