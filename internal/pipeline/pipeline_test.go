package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thrallguard/thrall/internal/breaker"
	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/filter"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/trust"
)

const testSender = testSenderPrefix + "rest-of-node-id"
const testSenderPrefix = "ad8d21d81a497993"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

type sentMail struct {
	toNode, msgType, body, sessionID string
	system                           bool
}

// newTestPipeline wires a Pipeline against an in-memory store, real Filter
// and Guard, and a plugin directory built from the given recipe body. mail
// records every send for assertions.
func newTestPipeline(t *testing.T, recipeTOML string) (*Pipeline, *store.Store, *[]sentMail) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "plugin.toml"), `
team = ["ad8d21d81a497993"]
loop_threshold = 2
knock_threshold = 10
classification_ttl_days = 30
`)
	writeFile(t, filepath.Join(dir, "hotwires", "spam.toml"), `
name = "spam-rules"
[[rules]]
field = "body_text"
pattern = "(?i)viagra"
action = "drop"
reason = "spam keyword"
[[rules]]
field = "body_text"
pattern = ".*"
action = "forward"
reason = "default pass"
`)
	writeFile(t, filepath.Join(dir, "recipes", "01-triage.toml"), recipeTOML)

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
	resolver := trust.NewResolver(trust.Tiers{Team: mgr.Current().Plugin.Team})
	flt := filter.New(guard, resolver, st)

	sent := &[]sentMail{}
	mail := func(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error {
		*sent = append(*sent, sentMail{toNode, msgType, body, sessionID, system})
		return nil
	}

	p, err := New(Dependencies{
		Store:     st,
		Config:    mgr,
		Filter:    flt,
		Guard:     guard,
		Trust:     resolver,
		Mail:      mail,
		PluginDir: dir,
		OwnNodeID: "thisnodeid0000000000000000000000",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st, sent
}

func mailEnvelope(body string) envelope.Envelope {
	return envelope.Envelope{
		Trigger:   envelope.TriggerMail,
		FromNode:  testSender,
		ToNode:    "localnode",
		MsgType:   "text",
		BodyText:  body,
		MessageID: "msg-1",
	}
}

func TestPipeline_TeamBypass(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
name = "mail-triage"
enabled = true
mode = "automated"

[trigger]
type = "on_mail"

[filter]
trust_bypass = true
bypass_action = "forward"

[evaluate]
type = "hotwire"
hotwire_ref = "spam-rules"
fallback_action = "forward"

[actions.forward]
[[actions.forward.steps]]
type = "reply"
template = "hello {{envelope.from_node}}"
`)
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("hi there")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v, row=%v", err, row)
	}
	if row.ActionName != "forward" {
		t.Errorf("ActionName = %q, want forward", row.ActionName)
	}
	if row.EvalType != "bypass" {
		t.Errorf("EvalType = %q, want bypass", row.EvalType)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(*sent))
	}
}

func TestPipeline_HotwireSpamDrop(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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

[actions.drop]
[[actions.drop.steps]]
type = "drop"

[actions.forward]
[[actions.forward.steps]]
type = "log"
message = "forwarded"
`)
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("buy VIAGRA now")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row.ActionName != "drop" {
		t.Errorf("ActionName = %q, want drop", row.ActionName)
	}
	if row.EvalType != "hotwire" {
		t.Errorf("EvalType = %q, want hotwire", row.EvalType)
	}
	if len(*sent) != 0 {
		t.Errorf("sent = %d, want 0 for a dropped message", len(*sent))
	}
}

func TestPipeline_BreakerPreGateBlocksRecipe(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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
type = "reply"
template = "ack"
`)
	ctx := context.Background()

	// loop_threshold defaults to 2 for a sessioned envelope: the third
	// reply in the same session trips the sender's breaker via CheckLoop.
	env := mailEnvelope("hello again")
	env.SessionID = "sess-pregate"
	for i := 0; i < 3; i++ {
		if err := p.Run(ctx, env); err != nil {
			t.Fatalf("Run iteration %d: %v", i, err)
		}
	}
	if len(*sent) != 2 {
		t.Fatalf("sent = %d, want 2 (the loop guard blocks the 3rd reply)", len(*sent))
	}

	// The breaker is now tripped; a fresh envelope from the same sender
	// must be blocked by the pipeline's pre-gate, before Filter or Evaluate
	// ever run.
	if err := p.Run(ctx, mailEnvelope("a brand new message")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row.ActionName != "breaker_blocked" {
		t.Errorf("ActionName = %q, want breaker_blocked once the loop breaker has tripped", row.ActionName)
	}
	if len(*sent) != 2 {
		t.Errorf("sent = %d, want still 2 once the pre-gate blocks the next envelope", len(*sent))
	}
}

func TestPipeline_ManualModeNeverSends(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
name = "mail-triage"
enabled = true
mode = "manual"

[trigger]
type = "on_mail"

[filter]

[evaluate]
type = "hotwire"
hotwire_ref = "spam-rules"
fallback_action = "forward"

[actions.forward]
[[actions.forward.steps]]
type = "reply"
template = "would reply"
`)
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("ordinary message")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*sent) != 0 {
		t.Errorf("sent = %d, want 0 in manual mode", len(*sent))
	}
	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row.Reviewed != -1 {
		t.Errorf("Reviewed = %d, want -1 (not reviewable) for manual mode", row.Reviewed)
	}
}

func TestPipeline_AutomatedModeReviewedDefaultsToNotReviewable(t *testing.T) {
	p, st, _ := newTestPipeline(t, `
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
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("ordinary message")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row.Reviewed != -1 {
		t.Errorf("Reviewed = %d, want -1 for automated mode", row.Reviewed)
	}
	if row.Mode != "automated" {
		t.Errorf("Mode = %q", row.Mode)
	}
}

func TestPipeline_TickTriggerSkipsMailOnlyRecipe(t *testing.T) {
	p, st, _ := newTestPipeline(t, `
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
	ctx := context.Background()
	tick := envelope.Envelope{Trigger: envelope.TriggerTick, Tick: 5, PeerCount: 3, UptimeSecs: 100}
	if err := p.Run(ctx, tick); err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row != nil {
		t.Errorf("expected no journal row for an on_tick envelope against an on_mail-only recipe, got %+v", row)
	}
}

func TestPipeline_MissingTemplateKeyJournaledInActionTrace(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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
type = "reply"
template = "re {{context.no_such_key}}: {{envelope.body_text}}"
`)
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("hello")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want 1 — a missing key is not fatal", len(*sent))
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if !strings.Contains(row.ActionTraceJSON, "no_such_key") {
		t.Errorf("action_trace_json = %s, want the missing-key diagnostic recorded", row.ActionTraceJSON)
	}
}

func TestPipeline_InvalidSenderDroppedWithoutJournalRow(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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
type = "reply"
template = "ack"
`)
	ctx := context.Background()
	env := mailEnvelope("hello")
	env.FromNode = "NOT-A-HEX-NODE-ID"
	if err := p.Run(ctx, env); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row != nil {
		t.Errorf("expected no journal row for an invalid sender, got %+v", row)
	}
	if len(*sent) != 0 {
		t.Errorf("sent = %d, want 0", len(*sent))
	}
}

func TestPipeline_ReplayIsDryrun(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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
type = "reply"
template = "ack"
`)
	ctx := context.Background()
	if err := p.Run(ctx, mailEnvelope("hello")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want 1 for the live run", len(*sent))
	}

	live, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || live == nil {
		t.Fatalf("LastJournal: %v", err)
	}

	if err := p.Replay(ctx, live.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d, want still 1 — replay must not send", len(*sent))
	}

	replayed, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || replayed == nil {
		t.Fatalf("LastJournal after replay: %v", err)
	}
	if replayed.ID == live.ID {
		t.Fatal("replay should write a fresh journal row")
	}
	if replayed.Mode != "manual" {
		t.Errorf("replay Mode = %q, want manual", replayed.Mode)
	}
	if replayed.EvalType != live.EvalType || replayed.ActionName != live.ActionName {
		t.Errorf("replay diverged: eval %q/%q action %q/%q",
			replayed.EvalType, live.EvalType, replayed.ActionName, live.ActionName)
	}
}

func TestPipeline_TickPrunesExpiredJournalRows(t *testing.T) {
	p, st, _ := newTestPipeline(t, `
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
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	if _, err := st.InsertJournal(ctx, store.JournalRow{
		Pipeline: "old-pipeline", SessionID: "x", EvalType: "llm", Mode: "automated",
		TTLExpires: expired,
	}); err != nil {
		t.Fatalf("InsertJournal: %v", err)
	}

	tick := envelope.Envelope{Trigger: envelope.TriggerTick, Tick: 1}
	if err := p.Run(ctx, tick); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := st.LastJournal(ctx, "old-pipeline")
	if err != nil {
		t.Fatalf("LastJournal: %v", err)
	}
	if row != nil {
		t.Errorf("expected expired row pruned on tick, got %+v", row)
	}
}

func TestPipeline_LoopGuardBlocksRepeatedReply(t *testing.T) {
	p, st, sent := newTestPipeline(t, `
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
type = "reply"
template = "ack"
`)
	ctx := context.Background()
	env := mailEnvelope("hello")
	env.SessionID = "sess-loop"

	for i := 0; i < 3; i++ {
		if err := p.Run(ctx, env); err != nil {
			t.Fatalf("Run iteration %d: %v", i, err)
		}
	}

	if len(*sent) >= 3 {
		t.Errorf("sent = %d, want fewer than 3 once the loop guard trips (threshold default is low)", len(*sent))
	}

	row, err := st.LastJournal(ctx, "mail-triage")
	if err != nil || row == nil {
		t.Fatalf("LastJournal: %v", err)
	}
}
