// Package filter implements the Filter Stage: the fixed-order decision
// chain a trigger envelope passes through before (or instead of) reaching
// the Evaluate stage.
package filter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/thrallguard/thrall/internal/breaker"
	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/trust"
)

// Kind is the filter decision's outcome: pass, skip(reason), drop(reason),
// or bypass(action_name). Thrall's Filter never needs
// `skip` on its own — the pipeline's pre-gate breaker check is what
// produces a skip outcome, ahead of the Filter stage ever running.
type Kind string

const (
	KindDrop   Kind = "drop"
	KindBypass Kind = "bypass"
	KindPass   Kind = "pass"
)

// Decision is the Filter stage's single output.
type Decision struct {
	Kind Kind
	// Action is the action name to run: the recipe's bypass_action or
	// rate_limit_action for Kind == bypass; empty for drop/pass (the
	// Evaluate stage picks the action for a pass).
	Action string
	Reason string

	// EvalType, when non-empty, tells the Engine to skip Evaluate and
	// journal this value directly ("cache" and "bypass" alongside
	// "llm"/"hotwire").
	EvalType string
	// CachedEvalResultJSON is populated when EvalType == "cache".
	CachedEvalResultJSON string

	// ContextInjected holds session context rows to merge into the
	// envelope under `context.*`, populated on a pass decision whenever the
	// session has stored rows.
	ContextInjected map[string]string
}

// Filter runs the fixed-order chain over one envelope.
type Filter struct {
	guard *breaker.Guard
	trust *trust.Resolver
	store *store.Store

	mu   sync.Mutex
	rate map[string]*window
}

type window struct {
	timestamps []time.Time
}

// New builds a Filter stage. guard and trust may be nil in contexts that
// never see on_mail envelopes (e.g. a harness exercising on_tick only).
func New(guard *breaker.Guard, resolver *trust.Resolver, st *store.Store) *Filter {
	return &Filter{guard: guard, trust: resolver, store: st, rate: make(map[string]*window)}
}

// Decide runs the chain. recipeName scopes the rate limiter so two recipes
// with different thresholds never share a counter for the same sender.
// promptHash is the evaluate step's prompt hash; pass "" to disable the
// cache step (hotwire-evaluated recipes have no prompt to hash).
func (f *Filter) Decide(ctx context.Context, env envelope.Envelope, recipeName string, cfg config.FilterConfig, promptHash string, now time.Time) (Decision, error) {
	senderPrefix, senderErr := env.SenderPrefix()
	hasSender := senderErr == nil

	tier := trust.Unknown
	if hasSender && f.trust != nil {
		tier = f.trust.Resolve(env.FromNode)
	}

	if hasSender {
		if f.guard != nil {
			b, err := f.guard.CheckBreaker(senderPrefix, now)
			if err != nil {
				return Decision{}, fmt.Errorf("filter: breaker check: %w", err)
			}
			if b != nil {
				return Decision{Kind: KindDrop, Reason: "breaker_active"}, nil
			}
		}

		if cfg.TrustBypass && tier == trust.Team {
			return Decision{Kind: KindBypass, Action: cfg.BypassAction, Reason: "trust_bypass"}, nil
		}

		if cfg.CooldownKey != "" && f.store != nil {
			ctxRows, err := f.store.GetContext(ctx, env.SessionKey())
			if err != nil {
				return Decision{}, fmt.Errorf("filter: cooldown lookup: %w", err)
			}
			if _, ok := ctxRows[cfg.CooldownKey]; ok {
				return Decision{Kind: KindDrop, Reason: "cooldown"}, nil
			}
		}

		if cfg.RateLimitMax > 0 {
			key := recipeName + "|" + senderPrefix
			exceeded := f.checkRateLimit(key, cfg.RateLimitMax, time.Duration(cfg.RateLimitWindowSeconds)*time.Second, now)
			if exceeded {
				return Decision{Kind: KindBypass, Action: cfg.RateLimitAction, Reason: "rate_limit"}, nil
			}
		}

		if promptHash != "" && cfg.CacheTTLSeconds > 0 && f.store != nil {
			bodyHash := sha256Hex(env.BodyText)
			cached, ok, err := f.store.GetCache(ctx, promptHash, string(tier), bodyHash, now)
			if err != nil {
				return Decision{}, fmt.Errorf("filter: cache lookup: %w", err)
			}
			if ok {
				return Decision{Kind: KindPass, EvalType: "cache", CachedEvalResultJSON: cached}, nil
			}
		}
	}

	decision := Decision{Kind: KindPass}
	if f.store != nil {
		ctxRows, err := f.store.GetContext(ctx, env.SessionKey())
		if err != nil {
			return Decision{}, fmt.Errorf("filter: context stitch: %w", err)
		}
		if len(ctxRows) > 0 {
			decision.ContextInjected = ctxRows
		}
	}
	return decision, nil
}

// checkRateLimit prunes timestamps older than window, records now
// unconditionally, and reports whether the count now exceeds max. Takes a
// per-call (max, window) rather than fixed construction-time values since
// each recipe configures its own rate limit.
func (f *Filter) checkRateLimit(key string, max int, win time.Duration, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.rate[key]
	if !ok {
		w = &window{}
		f.rate[key] = w
	}

	cutoff := now.Add(-win)
	valid := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	w.timestamps = append(valid, now)

	return len(w.timestamps) > max
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
