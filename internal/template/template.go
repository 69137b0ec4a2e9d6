// Package template resolves `{{namespace.key}}` placeholders against the
// envelope, context, llm, filter, and journal namespaces.
// There is no expression language and no conditionals: a placeholder is a
// flat lookup, and a miss resolves to the empty string plus a diagnostic.
package template

import (
	"fmt"
	"regexp"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z0-9_.\(\)='" -]+)\s*\}\}`)

// Diagnostic records one missing-key substitution, entered into the
// pipeline trace.
type Diagnostic struct {
	Placeholder string `json:"placeholder"`
	Namespace   string `json:"namespace"`
	Key         string `json:"key"`
}

// Lookup resolves one namespace.key pair to its string value. ok is false
// when the key is absent from the namespace.
type Lookup func(namespace, key string) (value string, ok bool)

// Resolver expands placeholders in strings against a set of per-namespace
// lookups. Namespaces not present in Lookups simply never match (every key
// in that namespace resolves to missing).
type Resolver struct {
	Lookups map[string]Lookup
}

// NewResolver builds a Resolver from flat string maps for the common
// namespaces (envelope, context, llm, filter) and a separate function-based
// lookup for `journal`, which is SQL-backed and read-only.
func NewResolver(envelope, context, llm, filter map[string]string, journal Lookup) *Resolver {
	r := &Resolver{Lookups: map[string]Lookup{}}
	if envelope != nil {
		r.Lookups["envelope"] = mapLookup(envelope)
	}
	if context != nil {
		r.Lookups["context"] = mapLookup(context)
	}
	if llm != nil {
		r.Lookups["llm"] = mapLookup(llm)
	}
	if filter != nil {
		r.Lookups["filter"] = mapLookup(filter)
	}
	if journal != nil {
		r.Lookups["journal"] = journal
	}
	return r
}

func mapLookup(m map[string]string) Lookup {
	return func(_, key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Resolve expands every `{{namespace.key}}` placeholder in s. Missing keys
// substitute the empty string and append a Diagnostic; the returned string
// is always safe to use even when diagnostics is non-empty.
func (r *Resolver) Resolve(s string) (string, []Diagnostic) {
	var diags []Diagnostic
	out := placeholderRE.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderRE.FindStringSubmatch(match)
		namespace, key := sub[1], sub[2]

		lookup, ok := r.Lookups[namespace]
		if !ok {
			diags = append(diags, Diagnostic{Placeholder: match, Namespace: namespace, Key: key})
			return ""
		}
		value, found := lookup(namespace, key)
		if !found {
			diags = append(diags, Diagnostic{Placeholder: match, Namespace: namespace, Key: key})
			return ""
		}
		return value
	})
	return out, diags
}

// ResolveMap applies Resolve to every value in m, returning a new map and
// the combined diagnostics across all fields. Used by the Action Executor
// to template every string field of a step before executing it.
func (r *Resolver) ResolveMap(m map[string]string) (map[string]string, []Diagnostic) {
	out := make(map[string]string, len(m))
	var diags []Diagnostic
	for k, v := range m {
		resolved, d := r.Resolve(v)
		out[k] = resolved
		diags = append(diags, d...)
	}
	return out, diags
}

var journalKeyRE = regexp.MustCompile(`^last\(pipeline=(?:'([^']*)'|"([^"]*)")\)\.(\w+)$`)

// ParseJournalKey parses the one structured journal lookup form —
// `last(pipeline='X').eval_result` (the part of the placeholder after the
// `journal.` namespace prefix) — into a pipeline name and a trailing
// field. The journal namespace's Lookup implementation lives in
// internal/store's caller, which uses this to know what to query.
func ParseJournalKey(key string) (pipeline, field string, err error) {
	m := journalKeyRE.FindStringSubmatch(key)
	if m == nil {
		return "", "", fmt.Errorf("template: malformed journal lookup %q", key)
	}
	pipeline = m[1]
	if pipeline == "" {
		pipeline = m[2]
	}
	return pipeline, m[3], nil
}
