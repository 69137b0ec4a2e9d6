// Package config loads recipes, prompts, model descriptors, and hotwire
// rule sets from the TOML files under a plugin directory, validates them,
// and exposes them as an atomically swappable Registry.
package config

// Recipe is a pipeline configuration: trigger match, filter config,
// evaluate spec, and named action step lists.
type Recipe struct {
	Name     string `toml:"name"`
	File     string `toml:"-"` // source filename; drives lexical ordering, not decoded
	Enabled  bool   `toml:"enabled"`
	Mode     string `toml:"mode"` // manual | supervised | automated
	Trigger  TriggerConfig  `toml:"trigger"`
	Filter   FilterConfig   `toml:"filter"`
	Evaluate EvaluateConfig `toml:"evaluate"`
	Actions  map[string]ActionDef `toml:"actions"`
}

const (
	ModeManual     = "manual"
	ModeSupervised = "supervised"
	ModeAutomated  = "automated"
)

// TriggerConfig selects which envelopes a recipe runs for.
type TriggerConfig struct {
	Type     string   `toml:"type"` // on_mail | on_tick
	MsgTypes []string `toml:"msg_types"`
}

const (
	TriggerTypeMail = "on_mail"
	TriggerTypeTick = "on_tick"
)

// FilterConfig configures the Filter stage's fixed-order decision chain.
type FilterConfig struct {
	TrustBypass            bool   `toml:"trust_bypass"`
	BypassAction           string `toml:"bypass_action"`
	CooldownKey            string `toml:"cooldown_key"`
	CooldownSeconds        int    `toml:"cooldown_seconds"`
	RateLimitMax           int    `toml:"rate_limit_max"`
	RateLimitWindowSeconds int    `toml:"rate_limit_window_seconds"`
	RateLimitAction        string `toml:"rate_limit_action"`
	CacheTTLSeconds        int    `toml:"cache_ttl_seconds"`
}

// EvaluateConfig selects and parameterizes the Evaluate stage.
type EvaluateConfig struct {
	Type                string  `toml:"type"` // llm | hotwire
	PromptRef           string  `toml:"prompt_ref"`
	ModelRef            string  `toml:"model_ref"`
	HotwireRef          string  `toml:"hotwire_ref"`
	QueueTimeoutSeconds float64 `toml:"queue_timeout_seconds"`
	FallbackAction      string  `toml:"fallback_action"`
}

const (
	EvaluateTypeLLM     = "llm"
	EvaluateTypeHotwire = "hotwire"
)

// ActionDef is a named, ordered list of steps.
type ActionDef struct {
	Steps []Step `toml:"steps"`
}

// Step is one Action Executor operation. Fields unused by Type are ignored.
type Step struct {
	Type string `toml:"type"`

	Message string `toml:"message"` // log

	Buffer          string   `toml:"buffer"`           // compile
	SummonThreshold int      `toml:"summon_threshold"` // compile
	SummonKeywords  []string `toml:"summon_keywords"`  // compile
	FlushSeconds    int      `toml:"flush_seconds"`     // compile

	Template string `toml:"template"` // summon | wake | reply

	Skill       string            `toml:"skill"`        // act
	Input       map[string]string `toml:"input"`        // act
	ErrorBuffer string            `toml:"error_buffer"` // act

	Key            string `toml:"key"`             // set_context | set_flag
	Value          string `toml:"value"`           // set_context | set_flag
	ExpiresSeconds int    `toml:"expires_seconds"` // set_context | set_flag

	TriggerName string `toml:"trigger_name"` // trigger
}

const (
	StepLog          = "log"
	StepDrop         = "drop"
	StepCompile      = "compile"
	StepSummon       = "summon"
	StepWake         = "wake"
	StepReply        = "reply"
	StepAct          = "act"
	StepSetContext   = "set_context"
	StepClearContext = "clear_context"
	StepSetFlag      = "set_flag"
	StepTrigger      = "trigger"
)

// Prompt is a loaded prompt template, hashed at load time.
type Prompt struct {
	Name         string `toml:"name"`
	Version      int    `toml:"version"`
	TemplateText string `toml:"template_text"`
	ModelRef     string `toml:"model_ref"`
	Hash         string `toml:"-"`
	File         string `toml:"-"`
	// NoBodyTextOK opts out of the "must reference {{envelope.body_text}}"
	// validation rule.
	NoBodyTextOK bool `toml:"no_body_text_ok"`
}

// ModelDescriptor names an inference backend a recipe's evaluate.model_ref
// can point at.
type ModelDescriptor struct {
	Name           string  `toml:"name"`
	Backend        string  `toml:"backend"` // ollama | lmstudio | openai_compatible
	BaseURL        string  `toml:"base_url"`
	Model          string  `toml:"model"`
	TimeoutSeconds float64 `toml:"timeout_seconds"`
}

// SupportedBackends lists the backend values the Config Loader accepts.
var SupportedBackends = map[string]bool{
	"ollama":           true,
	"lmstudio":         true,
	"openai_compatible": true,
}

// HotwireRule is one static field/regex rule, the non-LLM sibling of the
// LLM evaluator.
type HotwireRule struct {
	Field   string `toml:"field"`
	Pattern string `toml:"pattern"`
	Action  string `toml:"action"`
	Reason  string `toml:"reason"`
}

// HotwireSet is a named, ordered list of rules, first match wins.
type HotwireSet struct {
	Name  string        `toml:"name"`
	Rules []HotwireRule `toml:"rules"`
}

// PluginConfig is `plugin.toml`: process-wide defaults and the trust tier
// lists.
type PluginConfig struct {
	CockpitURL   string `toml:"cockpit_url"`
	CockpitToken string `toml:"cockpit_token"`

	LoopThreshold            int     `toml:"loop_threshold"`
	LoopThresholdSessionless int     `toml:"loop_threshold_sessionless"`
	KnockThreshold           int     `toml:"knock_threshold"`
	ClassificationTTLDays    int     `toml:"classification_ttl_days"`
	QueueTimeoutSeconds      float64 `toml:"queue_timeout"`
	MaxBodyPreview           int     `toml:"max_body_preview"`
	MaxCounterEntries        int     `toml:"max_counter_entries"`
	ReplyWindowSeconds       int     `toml:"reply_window_seconds"`
	PruneIntervalSeconds     int     `toml:"prune_interval_seconds"`

	Team  []string `toml:"team"`
	Known []string `toml:"known"`
}

// DefaultPluginConfig returns the process-wide defaults a plugin directory
// inherits when plugin.toml omits them.
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		LoopThreshold:            2,
		LoopThresholdSessionless: 5,
		KnockThreshold:           10,
		ClassificationTTLDays:    30,
		QueueTimeoutSeconds:      5.0,
		MaxBodyPreview:           2000,
		MaxCounterEntries:        10_000,
		ReplyWindowSeconds:       1800,
		PruneIntervalSeconds:     3600,
	}
}
