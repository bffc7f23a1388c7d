package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// SearchArchived returns at most limit chats whose name or interaction text
// matches query. Name matches come first, then FTS hits by bm25 rank; each
// chat appears once.
func (e *Engine) SearchArchived(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	results := make([]model.SearchResult, 0)
	seen := make(map[string]bool)
	add := func(r model.SearchResult) bool {
		if seen[r.ChatID] {
			return false
		}
		seen[r.ChatID] = true
		results = append(results, r)
		return len(results) >= limit
	}

	nameRows, err := e.db.QueryContext(ctx, `
		SELECT id, display_name FROM chats
		WHERE lower(display_name) LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, "%"+escapeLike(strings.ToLower(query))+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search chat names: %w", err)
	}
	full := false
	for nameRows.Next() {
		var r model.SearchResult
		if err := nameRows.Scan(&r.ChatID, &r.DisplayName); err != nil {
			nameRows.Close()
			return nil, fmt.Errorf("scan chat name hit: %w", err)
		}
		r.Snippet = r.DisplayName
		if add(r) {
			full = true
			break
		}
	}
	if err := nameRows.Err(); err != nil {
		nameRows.Close()
		return nil, fmt.Errorf("iterate chat name hits: %w", err)
	}
	nameRows.Close()
	if full {
		return results, nil
	}

	match := ftsQuery(query)
	if match == "" {
		return results, nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT c.id, c.display_name, snippet(interactions_fts, 0, '[', ']', '…', 12)
		FROM interactions_fts
		JOIN interactions i ON i.rowid = interactions_fts.rowid
		JOIN chats c ON c.id = i.chat_id
		WHERE interactions_fts MATCH ?
		ORDER BY bm25(interactions_fts), i.occurred_at DESC
		LIMIT ?
	`, match, limit*4)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.SearchResult
		if err := rows.Scan(&r.ChatID, &r.DisplayName, &r.Snippet); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		if add(r) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts hits: %w", err)
	}
	return results, nil
}

// ftsQuery turns free text into an FTS5 expression of quoted prefix terms so
// user input never reaches the query syntax.
func ftsQuery(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"*`)
	}
	return strings.Join(terms, " ")
}
