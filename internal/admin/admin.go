// Package admin implements the prompt-load administrative skill: a
// restricted entry point for listing, fetching, and replacing the prompt
// templates recipes evaluate against, without a process restart.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/store"
)

// tierPlaceholder is the binding every pushed prompt must reference —
// distinct from the config loader's own `{{envelope.body_text}}` check,
// since a prompt loaded through this skill still has to resolve against
// the Filter stage's trust tier the way a TOML-authored prompt does.
const tierPlaceholder = "{{filter.tier}}"

// Service is the skill's single callable surface, `handle(input) → output`.
// Whitelisting the caller's node id is the host's job; Service trusts
// whoever invokes it.
type Service struct {
	Store  *store.Store
	Config *config.Manager
}

// New builds a Service.
func New(st *store.Store, cfg *config.Manager) *Service {
	return &Service{Store: st, Config: cfg}
}

// Request mirrors the admin skill's input dict: op is one of
// "list", "get", "load".
type Request struct {
	Op       string
	Name     string
	Content  string
	ModelRef string
	PushedBy string // caller's node id
}

// Response mirrors the admin skill's output dict.
type Response struct {
	OK      bool
	Error   string
	Prompt  *store.Prompt
	Prompts []store.Prompt
}

// Handle dispatches one admin request. It never panics on a malformed Op;
// an unknown op is reported back as a failed Response rather than an error,
// matching the skill interface's string-dict boundary.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	switch req.Op {
	case "list":
		return s.list(ctx)
	case "get":
		return s.get(ctx, req.Name)
	case "load":
		return s.load(ctx, req)
	default:
		return Response{Error: fmt.Sprintf("admin: unknown op %q", req.Op)}
	}
}

func (s *Service) list(ctx context.Context) Response {
	prompts, err := s.Store.ListPrompts(ctx)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Prompts: prompts}
}

func (s *Service) get(ctx context.Context, name string) Response {
	if name == "" {
		return Response{Error: "admin: get requires name"}
	}
	p, err := s.Store.GetPrompt(ctx, name)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if p == nil {
		return Response{Error: fmt.Sprintf("admin: prompt %q not found", name)}
	}
	return Response{OK: true, Prompt: p}
}

// load validates and upserts new prompt content. Only the {{filter.tier}}
// binding is checked; the {{envelope.body_text}} placeholder the config
// loader requires is not, since an admin-pushed prompt bypasses
// prompts/*.toml entirely and the loader never reads the stored row.
func (s *Service) load(ctx context.Context, req Request) Response {
	if req.Name == "" {
		return Response{Error: "admin: load requires name"}
	}
	if !strings.Contains(req.Content, tierPlaceholder) {
		return Response{Error: fmt.Sprintf("admin: content missing required binding %s", tierPlaceholder)}
	}

	hash := config.PromptHash(req.Content)
	existing, err := s.Store.GetPrompt(ctx, req.Name)
	if err != nil {
		return Response{Error: err.Error()}
	}
	version := 1
	if existing != nil {
		version = existing.Version + 1
	}

	row := store.Prompt{
		Name:         req.Name,
		Version:      version,
		TemplateText: req.Content,
		ModelRef:     req.ModelRef,
		Hash:         hash,
		PushedBy:     req.PushedBy,
		UpdatedAt:    time.Now().UTC(),
	}
	if row.ModelRef == "" && existing != nil {
		row.ModelRef = existing.ModelRef
	}

	if err := s.Store.PutPrompt(ctx, row); err != nil {
		return Response{Error: err.Error()}
	}

	if s.Config != nil {
		s.Config.ReplacePrompt(config.Prompt{
			Name:         row.Name,
			Version:      row.Version,
			TemplateText: row.TemplateText,
			ModelRef:     row.ModelRef,
			Hash:         row.Hash,
		})
	}

	return Response{OK: true, Prompt: &row}
}
