// Package action implements the Action Executor: running a named action's
// ordered step list against a resolved envelope, with template resolution
// on every string field and abort-on-first-failure semantics.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/envelope"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/template"
)

// maxTriggerDepth bounds `trigger` step recursion.
const maxTriggerDepth = 3

// SendMailFunc is the host mail-send callback:
// `ctx.send_mail(to_node, msg_type, body, session_id, system)`.
type SendMailFunc func(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error

// TriggerFunc re-enters the pipeline engine with a synthetic envelope for
// the `trigger` step. Injected rather than imported to avoid a dependency
// cycle (internal/pipeline is the Executor's only caller).
type TriggerFunc func(ctx context.Context, env envelope.Envelope, depth int) error

// StepResult is one executed (or, in manual mode, skipped) step's trace
// entry. Diagnostics carries every missing-key substitution the step's
// template fields produced; a miss is not fatal, but it must surface in
// the journal's action trace.
type StepResult struct {
	Type         string                `json:"type"`
	WouldExecute bool                  `json:"would_execute,omitempty"`
	Error        string                `json:"error,omitempty"`
	Detail       string                `json:"detail,omitempty"`
	Diagnostics  []template.Diagnostic `json:"diagnostics,omitempty"`
}

// Trace is the ordered record of every step an action ran.
type Trace []StepResult

// Executor runs an ActionDef's steps.
type Executor struct {
	store      *store.Store
	mail       SendMailFunc
	trigger    TriggerFunc
	httpClient *http.Client
	buffers    *CompileBuffers
	cockpitURL string
	cockpitTok string
	log        *slog.Logger
}

// New builds an Executor. buffers may be nil if the recipe set never uses
// the `compile` step.
func New(st *store.Store, mail SendMailFunc, trigger TriggerFunc, buffers *CompileBuffers, cockpitURL, cockpitToken string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		mail:       mail,
		trigger:    trigger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		buffers:    buffers,
		cockpitURL: cockpitURL,
		cockpitTok: cockpitToken,
		log:        logger,
	}
}

// Execute runs def's steps in order against env, resolving every string
// field through tmpl first. In "manual" mode no step is actually executed —
// each is recorded as would_execute.
// depth is the current trigger-recursion depth (0 for a pipeline-originated
// run); it bounds any `trigger` step the action contains.
func (e *Executor) Execute(ctx context.Context, env envelope.Envelope, tmpl *template.Resolver, def config.ActionDef, mode string, ownNodeID string, depth int) Trace {
	manual := mode == config.ModeManual

	trace := make(Trace, 0, len(def.Steps))
	for _, step := range def.Steps {
		if manual {
			trace = append(trace, StepResult{Type: step.Type, WouldExecute: true})
			continue
		}

		detail, diags, err := e.runStep(ctx, env, tmpl, step, ownNodeID, depth)
		result := StepResult{Type: step.Type, Detail: detail, Diagnostics: diags}
		if err != nil {
			result.Error = err.Error()
			trace = append(trace, result)
			e.log.Error("action step failed, aborting remaining steps", "step", step.Type, "error", err)
			break
		}
		trace = append(trace, result)
	}
	return trace
}

func (e *Executor) runStep(ctx context.Context, env envelope.Envelope, tmpl *template.Resolver, step config.Step, ownNodeID string, depth int) (string, []template.Diagnostic, error) {
	switch step.Type {
	case config.StepLog:
		msg, diags := tmpl.Resolve(step.Message)
		e.log.Info("thrall action log", "message", msg)
		return msg, diags, nil

	case config.StepDrop:
		return "", nil, nil

	case config.StepCompile:
		if e.buffers == nil {
			return "", nil, fmt.Errorf("action: compile step with no buffer manager configured")
		}
		flushed, path, err := e.buffers.Append(step.Buffer, env, step.SummonThreshold, step.SummonKeywords, time.Duration(step.FlushSeconds)*time.Second, time.Now())
		if err != nil {
			return "", nil, fmt.Errorf("action: compile: %w", err)
		}
		if flushed {
			return "flushed:" + path, nil, nil
		}
		return "appended", nil, nil

	case config.StepSummon, config.StepWake:
		if e.mail == nil {
			return "", nil, fmt.Errorf("action: no mail sender configured")
		}
		body, diags := tmpl.Resolve(step.Template)
		if body == "" {
			body = fmt.Sprintf("envelope from %s: %s", env.FromNode, env.BodyText)
		}
		if err := e.mail(ctx, ownNodeID, "thrall_wake", body, env.SessionID, true); err != nil {
			return "", diags, fmt.Errorf("action: summon/wake: %w", err)
		}
		return body, diags, nil

	case config.StepReply:
		if e.mail == nil {
			return "", nil, fmt.Errorf("action: no mail sender configured")
		}
		if env.FromNode == "" {
			return "", nil, fmt.Errorf("action: reply step on an envelope with no from_node")
		}
		body, diags := tmpl.Resolve(step.Template)
		if err := e.mail(ctx, env.FromNode, "reply", body, env.SessionID, false); err != nil {
			return "", diags, fmt.Errorf("action: reply: %w", err)
		}
		return body, diags, nil

	case config.StepAct:
		return e.runAct(ctx, tmpl, step)

	case config.StepSetContext:
		if e.store == nil {
			return "", nil, fmt.Errorf("action: no store configured")
		}
		key, diags := tmpl.Resolve(step.Key)
		value, vd := tmpl.Resolve(step.Value)
		diags = append(diags, vd...)
		var expires time.Time
		if step.ExpiresSeconds > 0 {
			expires = time.Now().Add(time.Duration(step.ExpiresSeconds) * time.Second)
		}
		if err := e.store.SetContext(ctx, env.SessionKey(), key, value, expires); err != nil {
			return "", diags, fmt.Errorf("action: set_context: %w", err)
		}
		return key + "=" + value, diags, nil

	case config.StepClearContext:
		if e.store == nil {
			return "", nil, fmt.Errorf("action: no store configured")
		}
		key, diags := tmpl.Resolve(step.Key)
		if err := e.store.ClearContext(ctx, env.SessionKey(), key); err != nil {
			return "", diags, fmt.Errorf("action: clear_context: %w", err)
		}
		return key, diags, nil

	case config.StepSetFlag:
		if e.store == nil {
			return "", nil, fmt.Errorf("action: no store configured")
		}
		key, diags := tmpl.Resolve(step.Key)
		value, vd := tmpl.Resolve(step.Value)
		diags = append(diags, vd...)
		if value == "" {
			value = "1"
		}
		expires := time.Now().Add(time.Duration(step.ExpiresSeconds) * time.Second)
		if err := e.store.SetContext(ctx, env.SessionKey(), key, value, expires); err != nil {
			return "", diags, fmt.Errorf("action: set_flag: %w", err)
		}
		return key, diags, nil

	case config.StepTrigger:
		if e.trigger == nil {
			return "", nil, fmt.Errorf("action: no trigger callback configured")
		}
		if depth >= maxTriggerDepth {
			return "", nil, fmt.Errorf("action: trigger recursion depth %d exceeds limit %d", depth, maxTriggerDepth)
		}
		name, diags := tmpl.Resolve(step.TriggerName)
		synthetic := env
		synthetic.MsgType = name
		if err := e.trigger(ctx, synthetic, depth+1); err != nil {
			return "", diags, fmt.Errorf("action: trigger %q: %w", name, err)
		}
		return name, diags, nil

	default:
		return "", nil, fmt.Errorf("action: unknown step type %q", step.Type)
	}
}

// runAct POSTs a templated skill invocation to the cockpit URL — the
// `act` step.
func (e *Executor) runAct(ctx context.Context, tmpl *template.Resolver, step config.Step) (string, []template.Diagnostic, error) {
	if e.cockpitURL == "" {
		return "", nil, fmt.Errorf("action: no cockpit_url configured")
	}
	input, diags := tmpl.ResolveMap(step.Input)

	payload := struct {
		Skill string            `json:"skill"`
		Input map[string]string `json:"input"`
	}{Skill: step.Skill, Input: input}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", diags, fmt.Errorf("action: marshal act payload: %w", err)
	}

	url := strings.TrimRight(e.cockpitURL, "/") + "/skills/" + step.Skill
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", diags, fmt.Errorf("action: build act request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cockpitTok != "" {
		req.Header.Set("Authorization", "Bearer "+e.cockpitTok)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if step.ErrorBuffer != "" {
			e.appendErrorBuffer(step.ErrorBuffer, step.Skill, err)
		}
		return "", diags, fmt.Errorf("action: act request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		actErr := fmt.Errorf("action: act skill %q returned status %d", step.Skill, resp.StatusCode)
		if step.ErrorBuffer != "" {
			e.appendErrorBuffer(step.ErrorBuffer, step.Skill, actErr)
		}
		return "", diags, actErr
	}
	return fmt.Sprintf("skill=%s status=%d", step.Skill, resp.StatusCode), diags, nil
}

func (e *Executor) appendErrorBuffer(buffer, skill string, actErr error) {
	if e.buffers == nil {
		return
	}
	errEnv := envelope.Envelope{
		Trigger:  envelope.TriggerMail,
		BodyText: fmt.Sprintf("act skill %q failed: %v", skill, actErr),
	}
	if _, _, err := e.buffers.Append(buffer, errEnv, 0, nil, 0, time.Now()); err != nil {
		e.log.Warn("failed to append act error to buffer", "buffer", buffer, "error", err)
	}
}
