package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// requiredPlaceholder is the template marker every prompt must reference
// unless it opts out.
const requiredPlaceholder = "{{envelope.body_text}}"

// Load reads plugin.toml and the recipes/, prompts/, models/, hotwires/
// directories under pluginDir, validates every file, and returns a fully
// populated Registry. Any validation failure aborts the whole load — the
// caller is expected to keep serving the previous Registry on error.
func Load(pluginDir string) (*Registry, error) {
	reg := &Registry{
		Plugin:   DefaultPluginConfig(),
		Prompts:  map[string]Prompt{},
		Models:   map[string]ModelDescriptor{},
		Hotwires: map[string]HotwireSet{},
	}

	pluginPath := filepath.Join(pluginDir, "plugin.toml")
	if _, err := os.Stat(pluginPath); err == nil {
		var p PluginConfig
		if err := decodeStrict(pluginPath, &p); err != nil {
			return nil, fmt.Errorf("config: load plugin.toml: %w", err)
		}
		reg.Plugin = mergeDefaults(p)
	}

	recipes, err := loadRecipes(filepath.Join(pluginDir, "recipes"))
	if err != nil {
		return nil, err
	}
	reg.Recipes = recipes

	prompts, err := loadPrompts(filepath.Join(pluginDir, "prompts"))
	if err != nil {
		return nil, err
	}
	reg.Prompts = prompts

	models, err := loadModels(filepath.Join(pluginDir, "models"))
	if err != nil {
		return nil, err
	}
	reg.Models = models

	hotwires, err := loadHotwires(filepath.Join(pluginDir, "hotwires"))
	if err != nil {
		return nil, err
	}
	reg.Hotwires = hotwires

	if err := crossValidate(reg); err != nil {
		return nil, err
	}

	return reg, nil
}

func mergeDefaults(p PluginConfig) PluginConfig {
	d := DefaultPluginConfig()
	if p.LoopThreshold != 0 {
		d.LoopThreshold = p.LoopThreshold
	}
	if p.LoopThresholdSessionless != 0 {
		d.LoopThresholdSessionless = p.LoopThresholdSessionless
	}
	if p.KnockThreshold != 0 {
		d.KnockThreshold = p.KnockThreshold
	}
	if p.ClassificationTTLDays != 0 {
		d.ClassificationTTLDays = p.ClassificationTTLDays
	}
	if p.QueueTimeoutSeconds != 0 {
		d.QueueTimeoutSeconds = p.QueueTimeoutSeconds
	}
	if p.MaxBodyPreview != 0 {
		d.MaxBodyPreview = p.MaxBodyPreview
	}
	if p.MaxCounterEntries != 0 {
		d.MaxCounterEntries = p.MaxCounterEntries
	}
	if p.ReplyWindowSeconds != 0 {
		d.ReplyWindowSeconds = p.ReplyWindowSeconds
	}
	if p.PruneIntervalSeconds != 0 {
		d.PruneIntervalSeconds = p.PruneIntervalSeconds
	}
	d.CockpitURL = p.CockpitURL
	d.CockpitToken = p.CockpitToken
	d.Team = p.Team
	d.Known = p.Known
	return d
}

func loadRecipes(dir string) ([]Recipe, error) {
	files, err := tomlFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Recipe
	for _, f := range files {
		var r Recipe
		if err := decodeStrict(f, &r); err != nil {
			return nil, fmt.Errorf("config: recipe %s: %w", filepath.Base(f), err)
		}
		r.File = filepath.Base(f)
		if r.Name == "" {
			return nil, fmt.Errorf("config: recipe %s: missing name", r.File)
		}
		if err := validateRecipe(r); err != nil {
			return nil, fmt.Errorf("config: recipe %s: %w", r.File, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

func validateRecipe(r Recipe) error {
	switch r.Mode {
	case ModeManual, ModeSupervised, ModeAutomated, "":
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Trigger.Type == "" {
		return fmt.Errorf("missing [trigger]")
	}
	switch r.Trigger.Type {
	case TriggerTypeMail, TriggerTypeTick:
	default:
		return fmt.Errorf("unknown trigger type %q", r.Trigger.Type)
	}
	switch r.Evaluate.Type {
	case EvaluateTypeLLM, EvaluateTypeHotwire, "":
	default:
		return fmt.Errorf("unknown evaluate type %q", r.Evaluate.Type)
	}
	for name, action := range r.Actions {
		for _, step := range action.Steps {
			if err := validateStepType(step.Type); err != nil {
				return fmt.Errorf("action %q: %w", name, err)
			}
		}
	}
	return nil
}

func validateStepType(t string) error {
	switch t {
	case StepLog, StepDrop, StepCompile, StepSummon, StepWake, StepReply,
		StepAct, StepSetContext, StepClearContext, StepSetFlag, StepTrigger:
		return nil
	default:
		return fmt.Errorf("unknown step type %q", t)
	}
}

func loadPrompts(dir string) (map[string]Prompt, error) {
	files, err := tomlFiles(dir)
	if err != nil {
		return nil, err
	}
	out := map[string]Prompt{}
	for _, f := range files {
		var p Prompt
		if err := decodeStrict(f, &p); err != nil {
			return nil, fmt.Errorf("config: prompt %s: %w", filepath.Base(f), err)
		}
		p.File = filepath.Base(f)
		if p.Name == "" {
			return nil, fmt.Errorf("config: prompt %s: missing name", p.File)
		}
		if !strings.Contains(p.TemplateText, requiredPlaceholder) && !p.NoBodyTextOK {
			return nil, fmt.Errorf("config: prompt %s: template_text does not reference %s (set no_body_text_ok to opt out)", p.Name, requiredPlaceholder)
		}
		p.Hash = PromptHash(p.TemplateText)
		out[p.Name] = p
	}
	return out, nil
}

// PromptHash computes a prompt's stable identity hash: SHA-256(text)
// truncated to 16 hex chars.
func PromptHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

func loadModels(dir string) (map[string]ModelDescriptor, error) {
	files, err := tomlFiles(dir)
	if err != nil {
		return nil, err
	}
	out := map[string]ModelDescriptor{}
	for _, f := range files {
		var m ModelDescriptor
		if err := decodeStrict(f, &m); err != nil {
			return nil, fmt.Errorf("config: model %s: %w", filepath.Base(f), err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("config: model %s: missing name", filepath.Base(f))
		}
		if !SupportedBackends[m.Backend] {
			return nil, fmt.Errorf("config: model %s: unsupported backend %q", m.Name, m.Backend)
		}
		out[m.Name] = m
	}
	return out, nil
}

func loadHotwires(dir string) (map[string]HotwireSet, error) {
	files, err := tomlFiles(dir)
	if err != nil {
		return nil, err
	}
	out := map[string]HotwireSet{}
	for _, f := range files {
		var h HotwireSet
		if err := decodeStrict(f, &h); err != nil {
			return nil, fmt.Errorf("config: hotwire %s: %w", filepath.Base(f), err)
		}
		if h.Name == "" {
			return nil, fmt.Errorf("config: hotwire %s: missing name", filepath.Base(f))
		}
		for _, rule := range h.Rules {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return nil, fmt.Errorf("config: hotwire %s: invalid regex %q: %w", h.Name, rule.Pattern, err)
			}
		}
		out[h.Name] = h
	}
	return out, nil
}

// crossValidate checks references between already-loaded sections, e.g. a
// recipe naming a prompt or model that does not exist.
func crossValidate(reg *Registry) error {
	for _, r := range reg.Recipes {
		switch r.Evaluate.Type {
		case EvaluateTypeLLM:
			if r.Evaluate.PromptRef != "" {
				if _, ok := reg.Prompts[r.Evaluate.PromptRef]; !ok {
					return fmt.Errorf("config: recipe %s: unknown prompt_ref %q", r.File, r.Evaluate.PromptRef)
				}
			}
			if r.Evaluate.ModelRef != "" {
				if _, ok := reg.Models[r.Evaluate.ModelRef]; !ok {
					return fmt.Errorf("config: recipe %s: unknown model_ref %q", r.File, r.Evaluate.ModelRef)
				}
			}
		case EvaluateTypeHotwire:
			if r.Evaluate.HotwireRef != "" {
				if _, ok := reg.Hotwires[r.Evaluate.HotwireRef]; !ok {
					return fmt.Errorf("config: recipe %s: unknown hotwire_ref %q", r.File, r.Evaluate.HotwireRef)
				}
			}
		}
	}
	return nil
}

func tomlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// decodeStrict decodes a TOML file into v, rejecting unknown fields so a
// typo in an operator's config fails loud rather than being silently
// ignored.
func decodeStrict(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
