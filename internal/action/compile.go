package action

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/thrallguard/thrall/internal/envelope"
)

// CompileBuffers holds the in-memory accumulation buffers the `compile`
// step appends to, flushing each to a markdown artifact under
// `<plugin_dir>/artifacts/<buffer>-<ts>.md` once a threshold is met.
type CompileBuffers struct {
	mu          sync.Mutex
	dir         string
	buffers     map[string]*buffer
}

type buffer struct {
	entries []string
	firstAt time.Time
}

// NewCompileBuffers creates (if needed) artifactsDir and returns a manager
// rooted there.
func NewCompileBuffers(artifactsDir string) (*CompileBuffers, error) {
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("action: create artifacts dir: %w", err)
	}
	return &CompileBuffers{dir: artifactsDir, buffers: make(map[string]*buffer)}, nil
}

// Append adds env to the named buffer and flushes it to disk when any
// threshold is met: summonThreshold entries, flushAfter elapsed since the
// buffer's first entry, or env's body matching a summon keyword. Zero
// thresholds are treated as "never trips on this condition."
func (c *CompileBuffers) Append(name string, env envelope.Envelope, summonThreshold int, summonKeywords []string, flushAfter time.Duration, now time.Time) (flushed bool, path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buffers[name]
	if !ok {
		b = &buffer{firstAt: now}
		c.buffers[name] = b
	}
	b.entries = append(b.entries, formatEntry(env, now))

	due := false
	if summonThreshold > 0 && len(b.entries) >= summonThreshold {
		due = true
	}
	if flushAfter > 0 && now.Sub(b.firstAt) >= flushAfter {
		due = true
	}
	if keywordMatch(env.BodyText, summonKeywords) {
		due = true
	}
	if !due {
		return false, "", nil
	}

	path, err = c.flush(name, b, now)
	if err != nil {
		return false, "", err
	}
	delete(c.buffers, name)
	return true, path, nil
}

func (c *CompileBuffers) flush(name string, b *buffer, now time.Time) (string, error) {
	content := strings.Join(b.entries, "\n") + "\n"
	path := filepath.Join(c.dir, fmt.Sprintf("%s-%d.md", name, now.Unix()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("action: write artifact temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("action: rename artifact file: %w", err)
	}
	return path, nil
}

func formatEntry(env envelope.Envelope, now time.Time) string {
	sender := env.FromNode
	if p, err := env.SenderPrefix(); err == nil {
		sender = p
	}
	return fmt.Sprintf("- [%s] from=%s: %s", now.UTC().Format(time.RFC3339), sender, env.BodyText)
}

func keywordMatch(body string, keywords []string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
