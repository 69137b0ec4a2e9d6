package breaker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/store"
)

func newTestGuard(t *testing.T) (*Guard, *recordingMailer) {
	t.Helper()
	dir := t.TempDir()
	mailer := &recordingMailer{}
	g, err := NewGuard(filepath.Join(dir, "breakers"), config.DefaultPluginConfig(), nil, mailer.send, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g, mailer
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) send(_ context.Context, toNode, msgType, body, sessionID string, system bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msgType+":"+body)
	return nil
}

const senderA = "6f5185865618575f"

func TestCheckLoopTripsAfterSessionThreshold(t *testing.T) {
	g, mailer := newTestGuard(t)
	now := time.Now()
	ctx := context.Background()

	var blocked bool
	var err error
	for i := 0; i < 3; i++ {
		blocked, err = g.CheckLoop(ctx, senderA, "sess-A", "ownnode0000000001", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckLoop: %v", err)
		}
	}
	if !blocked {
		t.Fatal("expected breaker to trip on the third wake in a session with threshold 2")
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected one breaker-trip mail, got %d", len(mailer.sent))
	}

	b, err := g.CheckBreaker(senderA, now)
	if err != nil {
		t.Fatalf("CheckBreaker: %v", err)
	}
	if b == nil || b.TripCount != 1 || b.AutoExpireSeconds != loopAutoExpireSeconds {
		t.Fatalf("unexpected breaker state: %+v", b)
	}
}

func TestCheckLoopSolicitedExemptionDoublesThreshold(t *testing.T) {
	g, mailer := newTestGuard(t)
	now := time.Now()
	ctx := context.Background()

	if err := g.RecordSend(senderA, "sess-A", now); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	for i := 0; i < 3; i++ {
		blocked, err := g.CheckLoop(ctx, senderA, "sess-A", "ownnode0000000001", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckLoop: %v", err)
		}
		if blocked {
			t.Fatalf("did not expect trip on wake %d with solicited exemption", i+1)
		}
	}

	blocked, err := g.CheckLoop(ctx, senderA, "sess-A", "ownnode0000000001", now.Add(4*time.Second))
	if err != nil {
		t.Fatalf("CheckLoop: %v", err)
	}
	if blocked {
		t.Fatalf("did not expect trip on the fourth wake (doubled threshold is 4)")
	}

	blocked, err = g.CheckLoop(ctx, senderA, "sess-A", "ownnode0000000001", now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("CheckLoop: %v", err)
	}
	if !blocked {
		t.Fatal("expected trip on the fifth wake")
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected exactly one breaker-trip mail, got %d", len(mailer.sent))
	}
}

func TestCheckLoopSessionlessUsesSessionlessThreshold(t *testing.T) {
	g, _ := newTestGuard(t)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		blocked, err := g.CheckLoop(ctx, senderA, "", "ownnode0000000001", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckLoop: %v", err)
		}
		if blocked {
			t.Fatalf("did not expect trip before exceeding sessionless threshold (wake %d)", i+1)
		}
	}
	blocked, err := g.CheckLoop(ctx, senderA, "", "ownnode0000000001", now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("CheckLoop: %v", err)
	}
	if !blocked {
		t.Fatal("expected trip on the sixth sessionless wake (threshold 5)")
	}
}

func TestCheckBreakerExpiresStrictlyAfterExpiresAt(t *testing.T) {
	g, _ := newTestGuard(t)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.CheckLoop(ctx, senderA, "sess-A", "ownnode0000000001", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("CheckLoop: %v", err)
		}
	}

	b, err := g.CheckBreaker(senderA, now)
	if err != nil || b == nil {
		t.Fatalf("expected active breaker, got %+v, %v", b, err)
	}

	beforeExpiry := b.ExpiresAt.Add(-time.Second)
	b2, err := g.CheckBreaker(senderA, beforeExpiry)
	if err != nil || b2 == nil {
		t.Fatalf("expected breaker still active 1s before expiry, got %+v, %v", b2, err)
	}

	afterExpiry := b.ExpiresAt.Add(time.Second)
	b3, err := g.CheckBreaker(senderA, afterExpiry)
	if err != nil {
		t.Fatalf("CheckBreaker: %v", err)
	}
	if b3 != nil {
		t.Fatalf("expected breaker expired 1s after expires_at, got %+v", b3)
	}
}

func TestCheckBreakerRejectsInvalidTarget(t *testing.T) {
	g, _ := newTestGuard(t)
	b, err := g.CheckBreaker("not-a-hex-prefix", time.Now())
	if err != nil {
		t.Fatalf("CheckBreaker: %v", err)
	}
	if b != nil {
		t.Fatalf("expected no breaker for invalid target, got %+v", b)
	}
}

func TestReadBreakerToleratesCorruptFile(t *testing.T) {
	g, _ := newTestGuard(t)
	if err := os.WriteFile(g.path(senderA), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, err := g.CheckBreaker(senderA, time.Now())
	if err != nil {
		t.Fatalf("CheckBreaker should tolerate corrupt JSON, got error: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil breaker for corrupt file, got %+v", b)
	}
	if _, statErr := os.Stat(g.path(senderA)); statErr != nil {
		t.Fatalf("corrupt file should be left in place: %v", statErr)
	}
}

func TestCheckKnockAlertsOnceThenDedupesWithinHour(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "thrall.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	mailer := &recordingMailer{}
	cfg := config.DefaultPluginConfig()
	cfg.KnockThreshold = 3
	g, err := NewGuard(filepath.Join(dir, "breakers"), cfg, st, mailer.send, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	insertDrops := func(at time.Time) {
		for i := 0; i < 3; i++ {
			_, err := st.InsertJournal(ctx, store.JournalRow{
				Pipeline:     "mail-triage",
				SenderPrefix: senderA,
				ActionName:   "drop",
				TS:           at.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("InsertJournal: %v", err)
			}
		}
	}

	insertDrops(now)

	if err := g.CheckKnock(ctx, senderA, "ownnode0000000001", now.Add(time.Minute)); err != nil {
		t.Fatalf("CheckKnock: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected one knock alert, got %d: %v", len(mailer.sent), mailer.sent)
	}

	if err := g.CheckKnock(ctx, senderA, "ownnode0000000001", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("CheckKnock: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected knock alert to be deduplicated within the hour, got %d", len(mailer.sent))
	}

	later := now.Add(90 * time.Minute)
	insertDrops(later)
	if err := g.CheckKnock(ctx, senderA, "ownnode0000000001", later.Add(time.Minute)); err != nil {
		t.Fatalf("CheckKnock: %v", err)
	}
	if len(mailer.sent) != 2 {
		t.Fatalf("expected a fresh alert after the dedup window passed, got %d", len(mailer.sent))
	}
}

func TestGlobalBreakerBlocksAnySender(t *testing.T) {
	g, _ := newTestGuard(t)
	now := time.Now()
	if err := g.trip(globalTarget, "manual", "maintenance", 600, now); err != nil {
		t.Fatalf("trip: %v", err)
	}
	b, err := g.CheckBreaker("abcdefabcdefabcd", now)
	if err != nil {
		t.Fatalf("CheckBreaker: %v", err)
	}
	if b == nil || b.Target != globalTarget {
		t.Fatalf("expected global breaker to match any sender, got %+v", b)
	}
}
