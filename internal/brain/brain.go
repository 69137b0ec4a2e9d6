// Package brain implements the LLM Evaluator: a lazily loaded singleton
// backend consumed through a narrow classify(system, user) -> json
// contract, serialized through a 1-permit inference queue.
//
// The backend itself only ever speaks to a local, OpenAI-compatible HTTP
// endpoint (Ollama, LM Studio, or a custom localhost server) — the model
// is treated as a small local language model and the binary model runtime
// as an external collaborator, so no cloud provider or multi-model
// routing logic lives here.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backend is the narrow contract the Evaluator drives: a system prompt and
// a user text in, a raw model response out. Implementations must not reach
// back into any shared pipeline state — inference is a pure function of
// its two string inputs.
type Backend interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userText string) (raw string, err error)
}

// chatMessage is the OpenAI-compatible wire message shape shared by every
// local backend this package talks to.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Format         string         `json:"format,omitempty"` // Ollama's JSON-mode field
	Stream         bool           `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// LocalConfig describes one local backend to connect to, mirroring the
// model descriptor surface decoded by internal/config.
type LocalConfig struct {
	Name           string
	Backend        string // ollama | lmstudio | openai_compatible
	BaseURL        string
	Model          string
	TimeoutSeconds float64
}

// LocalProvider implements Backend against any OpenAI-compatible
// /v1/chat/completions endpoint running on localhost.
type LocalProvider struct {
	cfg    LocalConfig
	client *http.Client
}

// NewLocalProvider builds a Backend from a model descriptor.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	return &LocalProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeout * float64(time.Second))},
	}
}

// Name returns the backend's configured name.
func (p *LocalProvider) Name() string { return p.cfg.Name }

// Complete sends one chat completion request and returns the raw message
// content, requesting JSON-mode output where the backend supports
// structured-output constraints.
func (p *LocalProvider) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	req := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
	}

	switch p.cfg.Backend {
	case "ollama":
		req.Format = "json"
	case "lmstudio", "openai_compatible":
		req.ResponseFormat = map[string]any{"type": "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("brain: marshal request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("brain: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("brain: %s: http request: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("brain: %s: read response: %w", p.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp chatErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("brain: %s: backend error %d: %s", p.cfg.Name, resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("brain: %s: backend error %d: %s", p.cfg.Name, resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("brain: %s: unmarshal response: %w", p.cfg.Name, err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("brain: %s: empty choices in response", p.cfg.Name)
	}
	return cr.Choices[0].Message.Content, nil
}
