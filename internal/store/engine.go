// Package store is the SQLite implementation of the staging store and the
// durable CRM records used by the inbox engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

type Engine struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db, now: time.Now}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Ping reports whether the database is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL DEFAULT 'whatsapp',
			conversation_id TEXT NOT NULL,
			external_message_id TEXT NOT NULL UNIQUE,
			direction TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			has_attachments INTEGER NOT NULL DEFAULT 0,
			attachment_refs TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT '',
			status_at INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			participant_identifier TEXT NOT NULL DEFAULT '',
			is_group INTEGER NOT NULL DEFAULT 0,
			chat_jid TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_conversation ON inbox_messages(channel, conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbox_messages(status, status_at)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			external_conversation_id TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			is_group INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT 'individual',
			bridge_jid TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_name ON chats(is_group, display_name)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			last_interaction_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contact_mobiles (
			contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			mobile TEXT NOT NULL,
			mobile_normalized TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (contact_id, mobile_normalized)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mobiles_normalized ON contact_mobiles(mobile_normalized)`,
		`CREATE TABLE IF NOT EXISTS contact_chats (
			contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (contact_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			external_message_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'whatsapp',
			direction TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL REFERENCES chats(id),
			contact_id TEXT REFERENCES contacts(id),
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_chat ON interactions(chat_id, occurred_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS interactions_fts USING fts5(
			summary,
			content='interactions',
			content_rowid='rowid',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS interactions_ai AFTER INSERT ON interactions BEGIN
			INSERT INTO interactions_fts(rowid, summary) VALUES (new.rowid, new.summary);
		END`,
		`CREATE TRIGGER IF NOT EXISTS interactions_ad AFTER DELETE ON interactions BEGIN
			INSERT INTO interactions_fts(interactions_fts, rowid, summary) VALUES('delete', old.rowid, old.summary);
		END`,
		`CREATE TRIGGER IF NOT EXISTS interactions_au AFTER UPDATE ON interactions BEGIN
			INSERT INTO interactions_fts(interactions_fts, rowid, summary) VALUES('delete', old.rowid, old.summary);
			INSERT INTO interactions_fts(rowid, summary) VALUES (new.rowid, new.summary);
		END`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			external_reference TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			blob_ref TEXT NOT NULL DEFAULT '',
			chat_id TEXT,
			contact_id TEXT,
			interaction_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_reference ON attachments(external_reference)`,
		`CREATE TABLE IF NOT EXISTS chat_done (
			conversation_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL DEFAULT '',
			done_at INTEGER NOT NULL,
			last_message_external_id TEXT NOT NULL DEFAULT '',
			last_message_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS spam_entries (
			kind TEXT NOT NULL,
			identifier TEXT NOT NULL,
			counter INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, identifier)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var version int
	if err := e.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < schemaVersion {
		if _, err := e.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uniqueInt64(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func int64Args(ids []int64, prefix ...any) []any {
	args := make([]any, 0, len(prefix)+len(ids))
	args = append(args, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func stringArgs(vals []string, prefix ...any) []any {
	args := make([]any, 0, len(prefix)+len(vals))
	args = append(args, prefix...)
	for _, v := range vals {
		args = append(args, v)
	}
	return args
}
