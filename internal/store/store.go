// Package store is the single-writer SQLite persistence layer backing the
// pipeline engine's journal, context, and prompt tables.
// The database is opened once per process in WAL mode so the TTL pruner can
// read concurrently with the event-loop thread's writes; every exported
// method still takes the store's mutex because sqlite itself serializes
// writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS thrall_journal (
	id                 TEXT PRIMARY KEY,
	ts                 TEXT NOT NULL,
	pipeline           TEXT NOT NULL,
	session_id         TEXT NOT NULL,
	sender_prefix      TEXT NOT NULL DEFAULT '',
	envelope_json      TEXT NOT NULL,
	filter_json        TEXT,
	eval_type          TEXT NOT NULL,
	eval_result_json   TEXT,
	action_name        TEXT,
	action_trace_json  TEXT,
	wall_ms            INTEGER NOT NULL,
	mode               TEXT NOT NULL,
	reviewed           INTEGER NOT NULL DEFAULT -1,
	correction_json    TEXT,
	ttl_expires        TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_session ON thrall_journal(session_id);
CREATE INDEX IF NOT EXISTS idx_journal_pipeline_ts ON thrall_journal(pipeline, ts);
CREATE INDEX IF NOT EXISTS idx_journal_sender_ts ON thrall_journal(sender_prefix, ts);

CREATE TABLE IF NOT EXISTS thrall_context (
	session_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS thrall_prompts (
	name          TEXT PRIMARY KEY,
	version       INTEGER NOT NULL,
	template_text TEXT NOT NULL,
	model_ref     TEXT NOT NULL,
	hash          TEXT NOT NULL,
	pushed_by     TEXT,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thrall_cache (
	prompt_hash      TEXT NOT NULL,
	tier             TEXT NOT NULL,
	body_hash        TEXT NOT NULL,
	eval_result_json TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	PRIMARY KEY (prompt_hash, tier, body_hash)
);

CREATE VIEW IF NOT EXISTS thrall_classifications AS
	SELECT * FROM thrall_journal WHERE pipeline = 'mail-triage';
`

// timeFormat is RFC3339 with a fixed-width nanosecond fraction. All times
// are stored UTC, so lexicographic comparison in SQL equals chronological
// order — a plain RFC3339 second-resolution string cannot order two journal
// rows written within the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the process-wide handle on thrall.db. A single process-wide
// SQLite database; all DB mutations occur on the event-loop thread.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path in WAL mode and
// applies the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// JournalRow mirrors the persisted Journal row. Exactly one is written per
// envelope processed by a recipe, even on internal error.
type JournalRow struct {
	ID              string
	TS              time.Time
	Pipeline        string
	SessionID       string
	SenderPrefix    string
	EnvelopeJSON    string
	FilterJSON      string
	EvalType        string // llm | hotwire | cache | bypass | skip | error
	EvalResultJSON  string
	ActionName      string
	ActionTraceJSON string
	WallMS          int64
	Mode            string
	Reviewed        int // -1 | 0 | 1
	CorrectionJSON  string
	TTLExpires      time.Time
}

// InsertJournal appends a journal row. ID and TS are generated when empty.
func (s *Store) InsertJournal(ctx context.Context, row JournalRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TS.IsZero() {
		row.TS = time.Now().UTC()
	}
	if row.Reviewed == 0 && row.Mode != "supervised" {
		row.Reviewed = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ttl any
	if !row.TTLExpires.IsZero() {
		ttl = row.TTLExpires.UTC().Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thrall_journal (
			id, ts, pipeline, session_id, sender_prefix, envelope_json, filter_json,
			eval_type, eval_result_json, action_name, action_trace_json, wall_ms,
			mode, reviewed, correction_json, ttl_expires
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.ID, row.TS.UTC().Format(timeFormat), row.Pipeline, row.SessionID,
		row.SenderPrefix, row.EnvelopeJSON, row.FilterJSON, row.EvalType,
		row.EvalResultJSON, row.ActionName, row.ActionTraceJSON, row.WallMS,
		row.Mode, row.Reviewed, row.CorrectionJSON, ttl,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert journal row: %w", err)
	}
	return row.ID, nil
}

// GetJournal fetches a single journal row by id, used by the replay path
// to pull a previously-processed envelope back out.
func (s *Store) GetJournal(ctx context.Context, id string) (*JournalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, pipeline, session_id, sender_prefix, envelope_json, filter_json,
			eval_type, eval_result_json, action_name, action_trace_json, wall_ms,
			mode, reviewed, correction_json, ttl_expires
		FROM thrall_journal WHERE id = ?`, id)
	return scanJournalRow(row)
}

// LastJournal returns the most recent journal row for a pipeline name,
// backing the `{{journal.last(pipeline='X').*}}` template namespace.
func (s *Store) LastJournal(ctx context.Context, pipeline string) (*JournalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, pipeline, session_id, sender_prefix, envelope_json, filter_json,
			eval_type, eval_result_json, action_name, action_trace_json, wall_ms,
			mode, reviewed, correction_json, ttl_expires
		FROM thrall_journal WHERE pipeline = ? ORDER BY ts DESC LIMIT 1`, pipeline)
	return scanJournalRow(row)
}

// RecentErrors returns up to limit most recent error-tagged journal rows for
// a session. The pipeline does not call it: the `{{context.*}}` namespace
// holds only stored context rows, so `{{context.recent_errors}}` resolves
// only when a context row with that key exists.
func (s *Store) RecentErrors(ctx context.Context, sessionID string, limit int) ([]JournalRow, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, pipeline, session_id, sender_prefix, envelope_json, filter_json,
			eval_type, eval_result_json, action_name, action_trace_json, wall_ms,
			mode, reviewed, correction_json, ttl_expires
		FROM thrall_journal
		WHERE session_id = ? AND eval_type = 'error'
		ORDER BY ts DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent errors: %w", err)
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		r, err := scanJournalRowCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// KnockCount counts drops recorded in thrall_classifications from a sender
// prefix within the trailing window, backing the Loop/Breaker Guard's knock
// pattern alert.
func (s *Store) KnockCount(ctx context.Context, senderPrefix string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM thrall_classifications
		WHERE sender_prefix = ? AND action_name = 'drop' AND ts >= ?`,
		senderPrefix, since.UTC().Format(timeFormat),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: knock count: %w", err)
	}
	return count, nil
}

// PruneJournal deletes journal rows whose ttl_expires has passed.
func (s *Store) PruneJournal(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM thrall_journal WHERE ttl_expires IS NOT NULL AND ttl_expires <> '' AND ttl_expires < ?`,
		now.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("store: prune journal: %w", err)
	}
	return res.RowsAffected()
}

func scanJournalRow(row *sql.Row) (*JournalRow, error) {
	var r JournalRow
	var ts, ttl sql.NullString
	var filterJSON, evalResultJSON, actionName, actionTrace, correction sql.NullString

	err := row.Scan(&r.ID, &ts, &r.Pipeline, &r.SessionID, &r.SenderPrefix, &r.EnvelopeJSON,
		&filterJSON, &r.EvalType, &evalResultJSON, &actionName, &actionTrace, &r.WallMS,
		&r.Mode, &r.Reviewed, &correction, &ttl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan journal row: %w", err)
	}
	r.FilterJSON = filterJSON.String
	r.EvalResultJSON = evalResultJSON.String
	r.ActionName = actionName.String
	r.ActionTraceJSON = actionTrace.String
	r.CorrectionJSON = correction.String
	r.TS, _ = time.Parse(time.RFC3339, ts.String)
	if ttl.Valid && ttl.String != "" {
		r.TTLExpires, _ = time.Parse(time.RFC3339, ttl.String)
	}
	return &r, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanJournalRowCols.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJournalRowCols(row rowScanner) (*JournalRow, error) {
	var r JournalRow
	var ts, ttl sql.NullString
	var filterJSON, evalResultJSON, actionName, actionTrace, correction sql.NullString

	err := row.Scan(&r.ID, &ts, &r.Pipeline, &r.SessionID, &r.SenderPrefix, &r.EnvelopeJSON,
		&filterJSON, &r.EvalType, &evalResultJSON, &actionName, &actionTrace, &r.WallMS,
		&r.Mode, &r.Reviewed, &correction, &ttl)
	if err != nil {
		return nil, fmt.Errorf("store: scan journal row: %w", err)
	}
	r.FilterJSON = filterJSON.String
	r.EvalResultJSON = evalResultJSON.String
	r.ActionName = actionName.String
	r.ActionTraceJSON = actionTrace.String
	r.CorrectionJSON = correction.String
	r.TS, _ = time.Parse(time.RFC3339, ts.String)
	if ttl.Valid && ttl.String != "" {
		r.TTLExpires, _ = time.Parse(time.RFC3339, ttl.String)
	}
	return &r, nil
}

// --- Context rows ---------------------------------------------------------

// GetContext returns all non-expired key/value pairs for a session, used by
// the Filter stage's context-stitch step and the `{{context.*}}` namespace.
func (s *Store) GetContext(ctx context.Context, sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeFormat)
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM thrall_context
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at = '' OR expires_at > ?)`,
		sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("store: get context: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetContext upserts a single context key, overwriting on write.
func (s *Store) SetContext(ctx context.Context, sessionID, key, value string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt.UTC().Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thrall_context (session_id, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`,
		sessionID, key, value, time.Now().UTC().Format(timeFormat), exp,
	)
	if err != nil {
		return fmt.Errorf("store: set context %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// ClearContext deletes one key, or every key for the session when key is "".
func (s *Store) ClearContext(ctx context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx, "DELETE FROM thrall_context WHERE session_id = ?", sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, "DELETE FROM thrall_context WHERE session_id = ? AND key = ?", sessionID, key)
	}
	if err != nil {
		return fmt.Errorf("store: clear context %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// PruneContext deletes expired context rows.
func (s *Store) PruneContext(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM thrall_context WHERE expires_at IS NOT NULL AND expires_at <> '' AND expires_at < ?`,
		now.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("store: prune context: %w", err)
	}
	return res.RowsAffected()
}

// --- Prompts ---------------------------------------------------------------

// Prompt is the persisted prompt template row.
type Prompt struct {
	Name         string
	Version      int
	TemplateText string
	ModelRef     string
	Hash         string
	PushedBy     string
	UpdatedAt    time.Time
}

// PutPrompt inserts or replaces a prompt row, used by the `prompt-load`
// administrative skill.
func (s *Store) PutPrompt(ctx context.Context, p Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thrall_prompts (name, version, template_text, model_ref, hash, pushed_by, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			template_text = excluded.template_text,
			model_ref = excluded.model_ref,
			hash = excluded.hash,
			pushed_by = excluded.pushed_by,
			updated_at = excluded.updated_at`,
		p.Name, p.Version, p.TemplateText, p.ModelRef, p.Hash, p.PushedBy,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("store: put prompt %q: %w", p.Name, err)
	}
	return nil
}

// GetPrompt fetches a prompt by name, or nil if it does not exist.
func (s *Store) GetPrompt(ctx context.Context, name string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Prompt
	var updatedAt string
	var pushedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, version, template_text, model_ref, hash, pushed_by, updated_at
		FROM thrall_prompts WHERE name = ?`, name,
	).Scan(&p.Name, &p.Version, &p.TemplateText, &p.ModelRef, &p.Hash, &pushedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get prompt %q: %w", name, err)
	}
	p.PushedBy = pushedBy.String
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPrompts returns every stored prompt, ordered by name.
func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, template_text, model_ref, hash, pushed_by, updated_at
		FROM thrall_prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var p Prompt
		var updatedAt string
		var pushedBy sql.NullString
		if err := rows.Scan(&p.Name, &p.Version, &p.TemplateText, &p.ModelRef, &p.Hash, &pushedBy, &updatedAt); err != nil {
			return nil, err
		}
		p.PushedBy = pushedBy.String
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Eval result cache ------------------------------------------------------

// GetCache returns the cached eval_result_json for (promptHash, tier,
// bodyHash) if present and not expired (the Filter stage's "Cache" step).
func (s *Store) GetCache(ctx context.Context, promptHash, tier, bodyHash string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evalResultJSON, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT eval_result_json, expires_at FROM thrall_cache
		WHERE prompt_hash = ? AND tier = ? AND body_hash = ?`,
		promptHash, tier, bodyHash,
	).Scan(&evalResultJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get cache: %w", err)
	}

	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || now.After(exp) {
		return "", false, nil
	}
	return evalResultJSON, true, nil
}

// PutCache upserts a cache entry with an absolute expiry.
func (s *Store) PutCache(ctx context.Context, promptHash, tier, bodyHash, evalResultJSON string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thrall_cache (prompt_hash, tier, body_hash, eval_result_json, created_at, expires_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(prompt_hash, tier, body_hash) DO UPDATE SET
			eval_result_json = excluded.eval_result_json,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		promptHash, tier, bodyHash, evalResultJSON,
		time.Now().UTC().Format(timeFormat), expiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("store: put cache: %w", err)
	}
	return nil
}

// PruneCache deletes expired cache entries.
func (s *Store) PruneCache(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM thrall_cache WHERE expires_at < ?`, now.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("store: prune cache: %w", err)
	}
	return res.RowsAffected()
}

// MarshalContext is a small helper used by callers that need to hand the
// context map to the template resolver as a flat JSON blob for journaling.
func MarshalContext(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
