package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Outcome classifies how a Classify call resolved, driving the pipeline's
// fallback_action mapping.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeMalformedJSON Outcome = "malformed_json"
	OutcomeUnknownAction Outcome = "unknown_action"
	OutcomeQueueTimeout  Outcome = "queue_full"
	OutcomeBackendError  Outcome = "backend_error"
	OutcomeUnavailable   Outcome = "unavailable"
)

// reasonTruncateLen bounds the failure reason string before it is stored.
const reasonTruncateLen = 200

// Result is what the Evaluator hands back to the Pipeline Engine. On any
// Outcome other than OutcomeOK, the caller is expected to apply the
// recipe's fallback_action; RawResponse carries the backend's response
// (truncated) for the journal whenever one was received, and is empty for
// OutcomeQueueTimeout and OutcomeUnavailable.
type Result struct {
	Outcome     Outcome
	Action      string
	Reason      string
	Fields      map[string]string // flattened parsed fields, exposed as {{llm.*}}
	RawResponse string
}

// LoadFunc lazily constructs the backend on first use. Returning a non-nil
// error marks the Evaluator unhealthy for subsequent calls too — the load
// is not retried automatically; a new Evaluator is required to try again.
type LoadFunc func() (Backend, error)

// Evaluator owns the lazily-initialized model singleton and the 1-permit
// inference gate. Safe for concurrent use from the
// event-loop thread; Classify itself may be called concurrently by more
// than one in-flight pipeline, and the semaphore below is what serializes
// them down to exactly one live inference at a time.
type Evaluator struct {
	loadOnce sync.Once
	loadFn   LoadFunc
	backend  Backend
	loadErr  error

	sem chan struct{}
}

// NewEvaluator builds an Evaluator around a backend constructor. The
// constructor is not invoked until the first Classify call.
func NewEvaluator(loadFn LoadFunc) *Evaluator {
	return &Evaluator{
		loadFn: loadFn,
		sem:    make(chan struct{}, 1),
	}
}

// ensureLoaded performs the lazy singleton load, guarded so concurrent
// first-callers block on the same load rather than each attempting one.
func (e *Evaluator) ensureLoaded() (Backend, error) {
	e.loadOnce.Do(func() {
		e.backend, e.loadErr = e.loadFn()
	})
	return e.backend, e.loadErr
}

// Classify resolves a prompt against the model: it assembles no template
// logic itself (the caller resolves the prompt template first), acquires
// the single inference permit (waiting up to queueTimeout), and parses the
// backend's JSON response. validActions, when non-empty, restricts which
// `action` values are accepted; anything else is OutcomeUnknownAction.
func (e *Evaluator) Classify(ctx context.Context, systemPrompt, userText string, queueTimeout time.Duration, maxRawLen int, validActions []string) (*Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-time.After(queueTimeout):
		return &Result{Outcome: OutcomeQueueTimeout, Reason: "inference queue full"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	backend, err := e.ensureLoaded()
	if err != nil {
		return &Result{Outcome: OutcomeUnavailable, Reason: truncate(err.Error(), reasonTruncateLen)}, nil
	}

	raw, err := backend.Complete(ctx, systemPrompt, userText)
	if err != nil {
		return &Result{
			Outcome:     OutcomeBackendError,
			Reason:      truncate(err.Error(), reasonTruncateLen),
			RawResponse: truncate(raw, maxRawLen),
		}, nil
	}

	parsed, perr := parseJSONObject(raw)
	if perr != nil {
		return &Result{
			Outcome:     OutcomeMalformedJSON,
			Reason:      truncate(perr.Error(), reasonTruncateLen),
			RawResponse: truncate(raw, maxRawLen),
		}, nil
	}

	action, _ := parsed["action"].(string)
	if action == "" {
		return &Result{
			Outcome:     OutcomeMalformedJSON,
			Reason:      "response missing action field",
			RawResponse: truncate(raw, maxRawLen),
		}, nil
	}
	if len(validActions) > 0 && !contains(validActions, action) {
		return &Result{
			Outcome:     OutcomeUnknownAction,
			Reason:      truncate(fmt.Sprintf("unrecognised action %q", action), reasonTruncateLen),
			RawResponse: truncate(raw, maxRawLen),
		}, nil
	}

	reason, _ := parsed["reason"].(string)
	fields := make(map[string]string, len(parsed))
	for k, v := range parsed {
		fields[k] = fmt.Sprint(v)
	}

	return &Result{
		Outcome:     OutcomeOK,
		Action:      action,
		Reason:      reason,
		Fields:      fields,
		RawResponse: truncate(raw, maxRawLen),
	}, nil
}

// Healthy reports whether the model has loaded successfully. Before the
// first Classify call this optimistically returns true — load failure is
// only known once attempted.
func (e *Evaluator) Healthy() bool {
	return e.loadErr == nil
}

var fencedCodeRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseJSONObject parses a model response into a flat JSON object,
// stripping fenced code markers first when the backend didn't honor a
// structured-output constraint.
func parseJSONObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if m := fencedCodeRE.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parse model response as JSON: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
