package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/store"
)

// globalTarget is the one breaker target that is not a node-id prefix.
const globalTarget = "global"

// loopAutoExpireSeconds is the fixed auto-expiry a loop-tripped breaker
// carries.
const loopAutoExpireSeconds = 3600

// knockWindow is the trailing window the knock pattern looks back over.
const knockWindow = time.Hour

// Breaker is the on-disk record under breakers/<target>.json.
type Breaker struct {
	Type              string    `json:"type"`
	Target            string    `json:"target"`
	Reason            string    `json:"reason"`
	TrippedAt         time.Time `json:"tripped_at"`
	TripCount         int       `json:"trip_count"`
	AutoExpireSeconds int       `json:"auto_expire_seconds"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// SendMailFunc is the host mail-send callback Guard uses to emit breaker-trip
// and knock-pattern system mail. Injected rather than importing a
// host-plugin package directly, since the host contract (ctx.send_mail) is
// implemented outside this module.
type SendMailFunc func(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error

// Guard implements the Loop/Breaker Guard: per-(session, sender) reply
// counters with solicited-send exemption, breaker file persistence, and
// knock-pattern alerting.
type Guard struct {
	dir   string
	store *store.Store
	mail  SendMailFunc
	log   *slog.Logger

	replies   *ReplyCounters
	solicited *SolicitedSends

	loopThreshold            int
	loopThresholdSessionless int
	knockThreshold           int

	fileMu sync.Mutex // serializes breaker file writes

	knockAlertMu sync.Mutex
	knockAlerted *lru.Cache[string, time.Time]
}

// NewGuard builds a Guard rooted at breakerDir (typically
// "<plugin_dir>/breakers"). The node id that receives system alert mail is
// passed per call to CheckLoop and CheckKnock.
func NewGuard(breakerDir string, cfg config.PluginConfig, st *store.Store, mail SendMailFunc, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(breakerDir, 0o755); err != nil {
		return nil, fmt.Errorf("breaker: create breaker dir: %w", err)
	}
	replies, err := NewReplyCounters(cfg.MaxCounterEntries)
	if err != nil {
		return nil, fmt.Errorf("breaker: reply counters: %w", err)
	}
	solicited, err := NewSolicitedSends(cfg.MaxCounterEntries)
	if err != nil {
		return nil, fmt.Errorf("breaker: solicited sends: %w", err)
	}
	knockAlerted, err := lru.New[string, time.Time](cfg.MaxCounterEntries)
	if err != nil {
		return nil, fmt.Errorf("breaker: knock alert cache: %w", err)
	}
	return &Guard{
		dir:                      breakerDir,
		store:                    st,
		mail:                     mail,
		log:                      logger,
		replies:                  replies,
		solicited:                solicited,
		loopThreshold:            cfg.LoopThreshold,
		loopThresholdSessionless: cfg.LoopThresholdSessionless,
		knockThreshold:           cfg.KnockThreshold,
		knockAlerted:             knockAlerted,
	}, nil
}

func normalizeSession(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

func validTarget(target string) bool {
	return target == globalTarget || envelope.ValidatePrefix(target)
}

func (g *Guard) path(target string) string {
	return filepath.Join(g.dir, target+".json")
}

// CheckBreaker reads the breaker file for senderPrefix and for "global",
// returning whichever is active. An expired file is deleted and treated as
// absent. A missing or corrupt file is a legitimate, non-error outcome —
// callers tolerate concurrent deletion.
func (g *Guard) CheckBreaker(senderPrefix string, now time.Time) (*Breaker, error) {
	for _, target := range []string{globalTarget, senderPrefix} {
		if target == "" || !validTarget(target) {
			continue
		}
		b, err := g.readBreaker(target, now)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
	}
	return nil, nil
}

func (g *Guard) readBreaker(target string, now time.Time) (*Breaker, error) {
	data, err := os.ReadFile(g.path(target))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("breaker: read %s: %w", target, err)
	}

	var b Breaker
	if err := json.Unmarshal(data, &b); err != nil {
		g.log.Warn("breaker file has invalid JSON, leaving in place", "target", target, "error", err)
		return nil, nil
	}

	if !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt) {
		if rmErr := os.Remove(g.path(target)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			g.log.Warn("failed to remove expired breaker file", "target", target, "error", rmErr)
		}
		return nil, nil
	}
	return &b, nil
}

// trip writes (or re-writes, incrementing trip_count) the breaker file for
// target.
func (g *Guard) trip(target, breakerType, reason string, autoExpireSeconds int, now time.Time) error {
	if !validTarget(target) {
		return fmt.Errorf("breaker: refusing to trip invalid target %q", target)
	}

	g.fileMu.Lock()
	defer g.fileMu.Unlock()

	tripCount := 1
	if existing, err := g.readBreaker(target, now); err == nil && existing != nil {
		tripCount = existing.TripCount + 1
	}

	b := Breaker{
		Type:              breakerType,
		Target:            target,
		Reason:            reason,
		TrippedAt:         now,
		TripCount:         tripCount,
		AutoExpireSeconds: autoExpireSeconds,
		ExpiresAt:         now.Add(time.Duration(autoExpireSeconds) * time.Second),
	}

	data, err := json.MarshalIndent(&b, "", "  ")
	if err != nil {
		return fmt.Errorf("breaker: marshal: %w", err)
	}

	tmp := g.path(target) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("breaker: write temp file: %w", err)
	}
	if err := os.Rename(tmp, g.path(target)); err != nil {
		return fmt.Errorf("breaker: rename temp file: %w", err)
	}
	return nil
}

// RecordSend notes that this node proactively sent to toNode within
// sessionID, exempting toNode's replies in that session from the loop
// counter for the next hour.
func (g *Guard) RecordSend(toNode, sessionID string, now time.Time) error {
	prefix, err := envelope.Prefix(toNode)
	if err != nil {
		return err
	}
	g.solicited.Record(prefix, normalizeSession(sessionID), now)
	return nil
}

// CheckLoop records a wake/reply action fired in response to senderPrefix
// within sessionID, and reports whether it exceeded the effective loop
// threshold. When it has, CheckLoop trips the sender's breaker and sends a
// system mail to ownNodeID before returning blocked=true; the caller is
// expected to stamp the journal row's action_name as "loop_blocked" instead
// of executing the original action.
func (g *Guard) CheckLoop(ctx context.Context, senderPrefix, sessionID, ownNodeID string, now time.Time) (blocked bool, err error) {
	sessionKey := normalizeSession(sessionID)

	threshold := g.loopThresholdSessionless
	if sessionKey != "default" {
		threshold = g.loopThreshold
	}
	if g.solicited.IsSolicited(senderPrefix, sessionKey, now) {
		threshold *= 2
	}

	count := g.replies.Record(sessionKey, senderPrefix, now)
	if count <= threshold {
		return false, nil
	}

	reason := fmt.Sprintf("reply loop detected: %d replies to %s in session %s within 30m (threshold %d)", count, senderPrefix, sessionKey, threshold)
	if err := g.trip(senderPrefix, "loop", reason, loopAutoExpireSeconds, now); err != nil {
		return true, err
	}

	if g.mail != nil {
		body := reason
		if mailErr := g.mail(ctx, ownNodeID, "thrall_breaker", body, sessionID, true); mailErr != nil {
			g.log.Error("failed to send breaker-trip system mail", "error", mailErr)
		}
	}
	return true, nil
}

// CheckKnock looks for sustained drops from senderPrefix over the trailing
// hour and, if the threshold is met, sends a single deduplicated alert mail
// per hour without tripping a breaker.
func (g *Guard) CheckKnock(ctx context.Context, senderPrefix, ownNodeID string, now time.Time) error {
	if g.store == nil {
		return nil
	}
	count, err := g.store.KnockCount(ctx, senderPrefix, now.Add(-knockWindow))
	if err != nil {
		return fmt.Errorf("breaker: knock count: %w", err)
	}
	if count < g.knockThreshold {
		return nil
	}

	g.knockAlertMu.Lock()
	defer g.knockAlertMu.Unlock()

	if last, ok := g.knockAlerted.Get(senderPrefix); ok && now.Sub(last) < time.Hour {
		return nil
	}
	g.knockAlerted.Add(senderPrefix, now)

	if g.mail == nil {
		return nil
	}
	body := fmt.Sprintf("knock pattern: %d drops from %s in the last hour", count, senderPrefix)
	return g.mail(ctx, ownNodeID, "thrall_breaker", body, "", true)
}
