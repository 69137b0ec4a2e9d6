// Package pipeline implements the TRIGGER → FILTER → EVALUATE → ACTION
// engine: for one trigger envelope it runs every enabled, trigger-matching
// recipe in lexical file-name order, sequentially, and writes exactly one
// journal row per recipe run — including on internal error.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/thrallguard/thrall/internal/action"
	"github.com/thrallguard/thrall/internal/breaker"
	"github.com/thrallguard/thrall/internal/brain"
	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/filter"
	"github.com/thrallguard/thrall/internal/hotwire"
	"github.com/thrallguard/thrall/internal/observability"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/template"
	"github.com/thrallguard/thrall/internal/trust"
)

// Dependencies holds every subsystem reference the engine needs. Fields
// other than Store, Config, and Mail are nil-safe: a harness exercising
// on_tick-only recipes, say, can leave Guard and Trust nil.
type Dependencies struct {
	Store  *store.Store
	Config *config.Manager
	Filter *filter.Filter
	Guard  *breaker.Guard
	Trust  *trust.Resolver
	Mail   action.SendMailFunc

	// PluginDir roots the compile-buffer artifacts directory
	// (<plugin_dir>/artifacts).
	PluginDir string
	OwnNodeID string

	Logger  *observability.Logger
	Metrics *observability.MetricsCollector
}

// Pipeline runs the four-stage engine for one envelope at a time.
type Pipeline struct {
	deps    Dependencies
	buffers *action.CompileBuffers

	execMu sync.RWMutex
	exec   *action.Executor

	evalMu     sync.Mutex
	evaluators map[string]*brain.Evaluator

	hotwireMu   sync.Mutex
	hotwireSets map[string]*hotwire.Set

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// New builds a Pipeline. If deps.Config is set, the Action Executor is
// rebuilt on every config reload so a changed cockpit_url/token takes
// effect without a process restart.
func New(deps Dependencies) (*Pipeline, error) {
	if deps.PluginDir == "" {
		return nil, fmt.Errorf("pipeline: PluginDir is required")
	}
	buffers, err := action.NewCompileBuffers(filepath.Join(deps.PluginDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		deps:        deps,
		buffers:     buffers,
		evaluators:  make(map[string]*brain.Evaluator),
		hotwireSets: make(map[string]*hotwire.Set),
	}
	if deps.Config != nil {
		p.rebuildExecutor(deps.Config.Current())
		deps.Config.OnReload(p.rebuildExecutor)
	}
	return p, nil
}

func (p *Pipeline) rebuildExecutor(reg *config.Registry) {
	exec := action.New(p.deps.Store, p.deps.Mail, p.runAt, p.buffers, reg.Plugin.CockpitURL, reg.Plugin.CockpitToken, nil)
	p.execMu.Lock()
	p.exec = exec
	p.execMu.Unlock()
}

func (p *Pipeline) executor() *action.Executor {
	p.execMu.RLock()
	defer p.execMu.RUnlock()
	return p.exec
}

// Run dispatches env to every recipe matching its trigger kind, in lexical
// recipe order. This is the engine's live entry point; `trigger` action
// steps re-enter at runAt with an incremented depth instead.
func (p *Pipeline) Run(ctx context.Context, env envelope.Envelope) error {
	return p.run(ctx, env, 0, false)
}

// Replay pulls the envelope out of a journal row and re-runs it through
// the current pipeline as a dryrun: Filter and Evaluate execute against
// live state and write a fresh journal row, but every Action step is
// recorded as would_execute only — no mail, no skill calls, no store
// mutations from steps.
func (p *Pipeline) Replay(ctx context.Context, journalID string) error {
	row, err := p.deps.Store.GetJournal(ctx, journalID)
	if err != nil {
		return fmt.Errorf("pipeline: replay lookup: %w", err)
	}
	if row == nil {
		return fmt.Errorf("pipeline: no journal row %q", journalID)
	}

	var env envelope.Envelope
	if err := json.Unmarshal([]byte(row.EnvelopeJSON), &env); err != nil {
		return fmt.Errorf("pipeline: decode replay envelope: %w", err)
	}
	env.Arrived = time.Now()
	return p.run(ctx, env, 0, true)
}

// runAt is also Pipeline's action.TriggerFunc: its signature matches
// exactly so a `trigger` step can hand it straight to the Action Executor
// at construction time without an adapter.
func (p *Pipeline) runAt(ctx context.Context, env envelope.Envelope, depth int) error {
	return p.run(ctx, env, depth, false)
}

func (p *Pipeline) run(ctx context.Context, env envelope.Envelope, depth int, dryrun bool) error {
	if env.Arrived.IsZero() {
		env.Arrived = time.Now()
	}

	// Mail from a sender whose node id can't yield a valid 16-hex prefix is
	// dropped outright: one log line, no journal row, nothing downstream
	// ever sees the raw id.
	if env.Trigger == envelope.TriggerMail {
		if _, err := env.SenderPrefix(); err != nil {
			p.logWarn("dropping mail with invalid sender node id", "error", err)
			return nil
		}
	}

	reg := p.deps.Config.Current()

	if env.Trigger == envelope.TriggerTick {
		p.maybePrune(ctx, reg)
	}

	for _, rec := range reg.EnabledRecipesFor(string(env.Trigger)) {
		if !matchesTrigger(rec.Trigger, env) {
			continue
		}
		if dryrun {
			rec.Mode = config.ModeManual
		}
		p.runRecipe(ctx, reg, rec, env, depth)
	}
	return nil
}

// maybePrune runs the TTL pruner over the journal, context, and cache
// tables, at most once per prune_interval. Driven from on_tick so pruning
// never competes with a mail-path pipeline run.
func (p *Pipeline) maybePrune(ctx context.Context, reg *config.Registry) {
	interval := time.Duration(reg.Plugin.PruneIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}

	p.pruneMu.Lock()
	now := time.Now()
	if now.Sub(p.lastPrune) < interval {
		p.pruneMu.Unlock()
		return
	}
	p.lastPrune = now
	p.pruneMu.Unlock()

	if n, err := p.deps.Store.PruneJournal(ctx, now); err != nil {
		p.logWarn("journal prune failed", "error", err)
	} else if n > 0 {
		p.logInfo("TRIGGER", "", "journal pruned", "rows", n)
	}
	if _, err := p.deps.Store.PruneContext(ctx, now); err != nil {
		p.logWarn("context prune failed", "error", err)
	}
	if _, err := p.deps.Store.PruneCache(ctx, now); err != nil {
		p.logWarn("cache prune failed", "error", err)
	}
}

func matchesTrigger(cfg config.TriggerConfig, env envelope.Envelope) bool {
	if cfg.Type != config.TriggerTypeMail || len(cfg.MsgTypes) == 0 {
		return true
	}
	for _, mt := range cfg.MsgTypes {
		if mt == env.MsgType {
			return true
		}
	}
	return false
}

// runRecipe runs one recipe's Filter → Evaluate → Action steps and writes
// exactly one journal row, even when a stage fails internally.
func (p *Pipeline) runRecipe(ctx context.Context, reg *config.Registry, rec config.Recipe, env envelope.Envelope, depth int) {
	now := time.Now()
	senderPrefix, hasSender := "", false
	if sp, err := env.SenderPrefix(); err == nil {
		senderPrefix, hasSender = sp, true
	}

	p.logInfo("TRIGGER", rec.Name, "recipe selected", "sender", senderPrefix)

	// Pre-gate: an active breaker for this sender skips every remaining
	// stage outright.
	if hasSender && p.deps.Guard != nil {
		b, err := p.deps.Guard.CheckBreaker(senderPrefix, now)
		if err != nil {
			p.insertError(ctx, rec, env, senderPrefix, now, fmt.Errorf("pre-gate breaker check: %w", err))
			return
		}
		if b != nil {
			p.insertSkip(ctx, rec, env, senderPrefix, now, "breaker_blocked")
			return
		}
	}

	tier := trust.Unknown
	if hasSender && p.deps.Trust != nil {
		tier = p.deps.Trust.Resolve(env.FromNode)
	}

	promptHash := p.promptHash(reg, rec)
	var decision filter.Decision
	if p.deps.Filter != nil {
		d, err := p.deps.Filter.Decide(ctx, env, rec.Name, rec.Filter, promptHash, now)
		if err != nil {
			p.insertError(ctx, rec, env, senderPrefix, now, fmt.Errorf("filter: %w", err))
			return
		}
		decision = d
	} else {
		decision = filter.Decision{Kind: filter.KindPass}
	}
	p.logInfo("FILTER", rec.Name, "decision made", "kind", string(decision.Kind), "reason", decision.Reason)

	if decision.ContextInjected != nil {
		env.Context = decision.ContextInjected
	}

	switch decision.Kind {
	case filter.KindDrop:
		p.insertSkip(ctx, rec, env, senderPrefix, now, decision.Reason)
		if hasSender && p.deps.Guard != nil {
			if err := p.deps.Guard.CheckKnock(ctx, senderPrefix, p.deps.OwnNodeID, now); err != nil {
				p.logWarn("knock check failed", "error", err)
			}
		}
		return
	case filter.KindBypass:
		p.runAction(ctx, reg, rec, env, depth, senderPrefix, hasSender, now, "bypass", decision.Action, decision.Reason, nil, "")
		return
	}

	// decision.Kind == pass: either a cache hit (Evaluate is skipped) or a
	// real Evaluate stage.
	if decision.EvalType == "cache" {
		var cached cachedEval
		_ = json.Unmarshal([]byte(decision.CachedEvalResultJSON), &cached)
		p.runAction(ctx, reg, rec, env, depth, senderPrefix, hasSender, now, "cache", cached.Action, cached.Reason, cached.Fields, decision.CachedEvalResultJSON)
		return
	}

	actionName, reason, fields, evalType, evalResultJSON := p.evaluate(ctx, reg, rec, env, tier, now)
	p.logInfo("EVALUATE", rec.Name, "evaluate complete", "eval_type", evalType, "action", actionName)

	if promptHash != "" && rec.Filter.CacheTTLSeconds > 0 && evalType == "llm" && evalResultJSON != "" {
		bodyHash := sha256Hex(env.BodyText)
		ttl := now.Add(time.Duration(rec.Filter.CacheTTLSeconds) * time.Second)
		if err := p.deps.Store.PutCache(ctx, promptHash, string(tier), bodyHash, evalResultJSON, ttl); err != nil {
			p.logWarn("cache write failed", "error", err)
		}
	}

	p.runActionWithEval(ctx, reg, rec, env, depth, senderPrefix, hasSender, now, evalType, actionName, reason, fields, evalResultJSON)
}

type cachedEval struct {
	Action string            `json:"action"`
	Reason string            `json:"reason"`
	Fields map[string]string `json:"fields"`
}

// evaluate runs the recipe's configured evaluator (llm or hotwire) and
// returns the action to run plus journal-ready fields.
func (p *Pipeline) evaluate(ctx context.Context, reg *config.Registry, rec config.Recipe, env envelope.Envelope, tier trust.Tier, now time.Time) (actionName, reason string, fields map[string]string, evalType, evalResultJSON string) {
	switch rec.Evaluate.Type {
	case config.EvaluateTypeHotwire:
		set, err := p.hotwireSetFor(reg, rec.Evaluate.HotwireRef)
		if err != nil {
			return rec.Evaluate.FallbackAction, err.Error(), nil, "hotwire", ""
		}
		r := set.Evaluate(hotwire.Fields{
			"body_text":  env.BodyText,
			"msg_type":   env.MsgType,
			"from_node":  env.FromNode,
			"session_id": env.SessionID,
		})
		if !r.Matched {
			return rec.Evaluate.FallbackAction, "no hotwire rule matched", nil, "hotwire", ""
		}
		fields = map[string]string{"action": r.Action, "reason": r.Reason, "field": r.Field}
		body, _ := json.Marshal(fields)
		return r.Action, r.Reason, fields, "hotwire", string(body)

	default: // config.EvaluateTypeLLM
		model, ok := reg.Model(rec.Evaluate.ModelRef)
		if !ok {
			return rec.Evaluate.FallbackAction, "unknown model ref " + rec.Evaluate.ModelRef, nil, "llm", ""
		}
		prompt, ok := reg.Prompt(rec.Evaluate.PromptRef)
		if !ok {
			return rec.Evaluate.FallbackAction, "unknown prompt ref " + rec.Evaluate.PromptRef, nil, "llm", ""
		}

		tmpl := template.NewResolver(envelopeTemplateMap(env), env.Context, nil, map[string]string{"tier": string(tier)}, p.journalLookup(ctx))
		systemPrompt, promptDiags := tmpl.Resolve(prompt.TemplateText)

		timeout := time.Duration(rec.Evaluate.QueueTimeoutSeconds * float64(time.Second))
		if timeout <= 0 {
			timeout = time.Duration(reg.Plugin.QueueTimeoutSeconds * float64(time.Second))
		}
		maxRaw := reg.Plugin.MaxBodyPreview
		if maxRaw <= 0 {
			maxRaw = 2000
		}

		ev := p.evaluatorFor(model)
		result, err := ev.Classify(ctx, systemPrompt, env.BodyText, timeout, maxRaw, actionNames(rec.Actions))
		if err != nil {
			return rec.Evaluate.FallbackAction, "classify: " + err.Error(), nil, "llm", ""
		}

		body, _ := json.Marshal(struct {
			Outcome             string                `json:"outcome"`
			Action              string                `json:"action,omitempty"`
			Reason              string                `json:"reason,omitempty"`
			Fields              map[string]string     `json:"fields,omitempty"`
			RawResponse         string                `json:"raw_response,omitempty"`
			TemplateDiagnostics []template.Diagnostic `json:"template_diagnostics,omitempty"`
		}{string(result.Outcome), result.Action, result.Reason, result.Fields, result.RawResponse, promptDiags})

		if result.Outcome != brain.OutcomeOK {
			return rec.Evaluate.FallbackAction, result.Reason, nil, "llm", string(body)
		}
		return result.Action, result.Reason, result.Fields, "llm", string(body)
	}
}

// hotwireSetFor compiles and caches a hotwire rule set by ref name, so a
// hot-path recipe never recompiles its regexes on every envelope. A config
// reload does not invalidate this cache; hotwire sets are keyed by name and
// Thrall treats hotwire rule edits as requiring a process restart, unlike
// recipes/prompts/models which the Manager hot-reloads.
func (p *Pipeline) hotwireSetFor(reg *config.Registry, ref string) (*hotwire.Set, error) {
	p.hotwireMu.Lock()
	defer p.hotwireMu.Unlock()
	if s, ok := p.hotwireSets[ref]; ok {
		return s, nil
	}
	hs, ok := reg.Hotwire(ref)
	if !ok {
		return nil, fmt.Errorf("unknown hotwire ref %s", ref)
	}
	set, err := hotwire.Compile(hs)
	if err != nil {
		return nil, fmt.Errorf("hotwire compile: %w", err)
	}
	p.hotwireSets[ref] = set
	return set, nil
}

func (p *Pipeline) evaluatorFor(model config.ModelDescriptor) *brain.Evaluator {
	p.evalMu.Lock()
	defer p.evalMu.Unlock()
	if e, ok := p.evaluators[model.Name]; ok {
		return e
	}
	e := brain.NewEvaluator(func() (brain.Backend, error) {
		return brain.NewLocalProvider(brain.LocalConfig{
			Name:           model.Name,
			Backend:        model.Backend,
			BaseURL:        model.BaseURL,
			Model:          model.Model,
			TimeoutSeconds: model.TimeoutSeconds,
		}), nil
	})
	p.evaluators[model.Name] = e
	return e
}

// runAction runs a filter-selected action (bypass or cache hit) — there is
// no eval_result_json distinct from what the cache already carried, or
// none at all for a bare bypass.
func (p *Pipeline) runAction(ctx context.Context, reg *config.Registry, rec config.Recipe, env envelope.Envelope, depth int, senderPrefix string, hasSender bool, now time.Time, evalType, actionName, reason string, fields map[string]string, evalResultJSON string) {
	p.runActionWithEval(ctx, reg, rec, env, depth, senderPrefix, hasSender, now, evalType, actionName, reason, fields, evalResultJSON)
}

// runActionWithEval looks up the named action, applies the loop/breaker
// guard ahead of any send-capable step, runs the Action Executor, and
// writes the recipe's journal row.
func (p *Pipeline) runActionWithEval(ctx context.Context, reg *config.Registry, rec config.Recipe, env envelope.Envelope, depth int, senderPrefix string, hasSender bool, now time.Time, evalType, actionName, reason string, fields map[string]string, evalResultJSON string) {
	def, ok := rec.Actions[actionName]
	if !ok {
		p.insertRow(ctx, rec, env, senderPrefix, now, evalType, evalResultJSON, "missing_action:"+actionName, "", reason)
		return
	}

	mode := rec.Mode
	if mode == "" {
		mode = config.ModeAutomated
	}

	// The loop guard records a send only when one will actually happen;
	// manual mode executes nothing, so it must not consume loop budget or
	// trip a breaker.
	if mode != config.ModeManual && hasSender && containsSendStep(def) && p.deps.Guard != nil {
		blocked, err := p.deps.Guard.CheckLoop(ctx, senderPrefix, env.SessionKey(), p.deps.OwnNodeID, now)
		if err != nil {
			p.insertError(ctx, rec, env, senderPrefix, now, fmt.Errorf("loop guard: %w", err))
			return
		}
		if blocked {
			p.logStage("ACTION", rec.Name, "loop_blocked")
			if p.deps.Logger != nil {
				p.deps.Logger.BreakerEvent("loop_block", senderPrefix, "loop_threshold")
			}
			p.insertRow(ctx, rec, env, senderPrefix, now, evalType, evalResultJSON, "loop_blocked", "", reason)
			return
		}
	}

	tmpl := template.NewResolver(envelopeTemplateMap(env), env.Context, fields, nil, p.journalLookup(ctx))

	trace := p.executor().Execute(ctx, env, tmpl, def, mode, p.deps.OwnNodeID, depth)
	traceJSON, _ := json.Marshal(trace)
	p.logStage("ACTION", rec.Name, actionName)

	p.insertRow(ctx, rec, env, senderPrefix, now, evalType, evalResultJSON, actionName, string(traceJSON), reason)
}

func containsSendStep(def config.ActionDef) bool {
	for _, s := range def.Steps {
		switch s.Type {
		case config.StepReply, config.StepWake, config.StepSummon:
			return true
		}
	}
	return false
}

func actionNames(m map[string]config.ActionDef) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func (p *Pipeline) promptHash(reg *config.Registry, rec config.Recipe) string {
	if rec.Evaluate.Type != config.EvaluateTypeLLM || rec.Evaluate.PromptRef == "" {
		return ""
	}
	prompt, ok := reg.Prompt(rec.Evaluate.PromptRef)
	if !ok {
		return ""
	}
	return prompt.Hash
}

func (p *Pipeline) journalLookup(ctx context.Context) template.Lookup {
	return func(_, key string) (string, bool) {
		pipelineName, field, err := template.ParseJournalKey(key)
		if err != nil {
			return "", false
		}
		row, err := p.deps.Store.LastJournal(ctx, pipelineName)
		if err != nil || row == nil {
			return "", false
		}
		switch field {
		case "eval_result":
			return row.EvalResultJSON, row.EvalResultJSON != ""
		case "action_name":
			return row.ActionName, row.ActionName != ""
		case "filter_result":
			return row.FilterJSON, row.FilterJSON != ""
		default:
			return "", false
		}
	}
}

func envelopeTemplateMap(env envelope.Envelope) map[string]string {
	return map[string]string{
		"from_node":   env.FromNode,
		"to_node":     env.ToNode,
		"msg_type":    env.MsgType,
		"body_text":   env.BodyText,
		"body_json":   env.BodyJSON,
		"session_id":  env.SessionID,
		"message_id":  env.MessageID,
		"tick":        strconv.FormatInt(env.Tick, 10),
		"peer_count":  strconv.Itoa(env.PeerCount),
		"uptime_s":    strconv.FormatInt(env.UptimeSecs, 10),
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// insertSkip writes a journal row for a stage that short-circuited without
// an Evaluate or Action outcome (pre-gate breaker, filter drop).
func (p *Pipeline) insertSkip(ctx context.Context, rec config.Recipe, env envelope.Envelope, senderPrefix string, now time.Time, reason string) {
	p.insertRow(ctx, rec, env, senderPrefix, now, "skip", "", reason, "", reason)
}

func (p *Pipeline) insertError(ctx context.Context, rec config.Recipe, env envelope.Envelope, senderPrefix string, now time.Time, err error) {
	p.logWarn("recipe failed", "recipe", rec.Name, "error", err)
	p.incrementMetric("pipeline.errors")
	p.recordMetric(observability.MetricErrors, 1, observability.Labels{"recipe": rec.Name})
	payload, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{err.Error()})
	p.insertRow(ctx, rec, env, senderPrefix, now, "error", string(payload), "", "", err.Error())
}

func (p *Pipeline) insertRow(ctx context.Context, rec config.Recipe, env envelope.Envelope, senderPrefix string, now time.Time, evalType, evalResultJSON, actionName, actionTraceJSON, filterReason string) {
	start := env.Arrived
	if start.IsZero() {
		start = now
	}

	envJSON, _ := json.Marshal(env)
	filterJSON, _ := json.Marshal(struct {
		Reason string `json:"reason,omitempty"`
	}{filterReason})

	row := store.JournalRow{
		TS:              now,
		Pipeline:        rec.Name,
		SessionID:       env.SessionID,
		SenderPrefix:    senderPrefix,
		EnvelopeJSON:    string(envJSON),
		FilterJSON:      string(filterJSON),
		EvalType:        evalType,
		EvalResultJSON:  evalResultJSON,
		ActionName:      actionName,
		ActionTraceJSON: actionTraceJSON,
		WallMS:          time.Since(start).Milliseconds(),
		Mode:            rec.Mode,
	}

	reg := p.deps.Config.Current()
	if reg.Plugin.ClassificationTTLDays > 0 {
		row.TTLExpires = now.AddDate(0, 0, reg.Plugin.ClassificationTTLDays)
	}

	if _, err := p.deps.Store.InsertJournal(ctx, row); err != nil {
		p.logWarn("journal insert failed", "recipe", rec.Name, "error", err)
		return
	}
	p.incrementMetric("pipeline.runs")
	p.recordMetric(observability.MetricLatency, float64(row.WallMS), observability.Labels{"recipe": rec.Name})
}

func (p *Pipeline) incrementMetric(name string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Increment(name)
	}
}

func (p *Pipeline) recordMetric(mt observability.MetricType, value float64, labels observability.Labels) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Record(mt, value, labels)
	}
}

// logInfo and logWarn fall back to the standard logger when no Logger is
// configured.
func (p *Pipeline) logInfo(stage, recipe, msg string, args ...any) {
	if p.deps.Logger != nil {
		p.deps.Logger.Stage(stage, recipe, msg, args...)
		return
	}
	log.Printf("[pipeline] %s %s: %s%s", stage, recipe, msg, formatLogArgs(args))
}

func (p *Pipeline) logStage(stage, recipe, msg string, args ...any) {
	p.logInfo(stage, recipe, msg, args...)
}

func (p *Pipeline) logWarn(msg string, args ...any) {
	if p.deps.Logger != nil {
		p.deps.Logger.Warn(msg, args...)
		return
	}
	log.Printf("[pipeline] WARN: %s%s", msg, formatLogArgs(args))
}

// formatLogArgs renders key/value pairs for the stdlib-fallback log path.
func formatLogArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b []byte
	for i := 0; i+1 < len(args); i += 2 {
		b = append(b, ' ')
		b = append(b, []byte(fmt.Sprintf("%v=%v", args[i], args[i+1]))...)
	}
	return string(b)
}
