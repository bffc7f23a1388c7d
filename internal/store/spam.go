package store

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// IncrementSpam creates the entry with counter 1 or bumps the counter.
func (e *Engine) IncrementSpam(ctx context.Context, key model.SpamKey) (*model.SpamEntry, error) {
	if key.Identifier == "" {
		return nil, fmt.Errorf("increment spam: empty identifier")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO spam_entries (kind, identifier, counter, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(kind, identifier) DO UPDATE SET counter = counter + 1, updated_at = excluded.updated_at
	`, string(key.Kind), key.Identifier, toMillis(now)); err != nil {
		return nil, fmt.Errorf("increment spam: %w", err)
	}

	entry := &model.SpamEntry{Key: key}
	var updatedAt int64
	if err := e.db.QueryRowContext(ctx, `SELECT counter, updated_at FROM spam_entries WHERE kind = ? AND identifier = ?`,
		string(key.Kind), key.Identifier).Scan(&entry.Counter, &updatedAt); err != nil {
		return nil, fmt.Errorf("reload spam entry: %w", err)
	}
	entry.UpdatedAt = fromMillis(updatedAt)
	return entry, nil
}

func (e *Engine) IsSpam(ctx context.Context, key model.SpamKey) (bool, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM spam_entries WHERE kind = ? AND identifier = ?`,
		string(key.Kind), key.Identifier).Scan(&n); err != nil {
		return false, fmt.Errorf("is spam: %w", err)
	}
	return n > 0, nil
}

func (e *Engine) ListSpam(ctx context.Context) ([]model.SpamEntry, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT kind, identifier, counter, updated_at FROM spam_entries ORDER BY counter DESC, identifier ASC`)
	if err != nil {
		return nil, fmt.Errorf("list spam: %w", err)
	}
	defer rows.Close()

	result := make([]model.SpamEntry, 0)
	for rows.Next() {
		var (
			entry     model.SpamEntry
			kind      string
			updatedAt int64
		)
		if err := rows.Scan(&kind, &entry.Key.Identifier, &entry.Counter, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan spam: %w", err)
		}
		entry.Key.Kind = model.SpamKind(kind)
		entry.UpdatedAt = fromMillis(updatedAt)
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spam: %w", err)
	}
	return result, nil
}
