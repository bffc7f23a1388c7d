package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// Stats summarizes the database for the status command.
type Stats struct {
	StagedMessages      int
	StagedConversations int
	LeasedMessages      int
	Chats               int
	Contacts            int
	Interactions        int
	Attachments         int
	SpamEntries         int
	LastArchivedAt      time.Time
	DBBytes             int64
}

func (e *Engine) Stats(ctx context.Context, dbPath string) (Stats, error) {
	var s Stats
	counts := []struct {
		dest  *int
		query string
	}{
		{&s.StagedMessages, `SELECT COUNT(1) FROM inbox_messages`},
		{&s.StagedConversations, `SELECT COUNT(DISTINCT conversation_id) FROM inbox_messages`},
		{&s.Chats, `SELECT COUNT(1) FROM chats`},
		{&s.Contacts, `SELECT COUNT(1) FROM contacts`},
		{&s.Interactions, `SELECT COUNT(1) FROM interactions`},
		{&s.Attachments, `SELECT COUNT(1) FROM attachments`},
		{&s.SpamEntries, `SELECT COUNT(1) FROM spam_entries`},
	}
	for _, c := range counts {
		if err := e.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return s, fmt.Errorf("stats: %w", err)
		}
	}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM inbox_messages WHERE status = ?`,
		string(model.StatusArchiving)).Scan(&s.LeasedMessages); err != nil {
		return s, fmt.Errorf("stats leased: %w", err)
	}
	var last sql.NullInt64
	if err := e.db.QueryRowContext(ctx, `SELECT MAX(done_at) FROM chat_done`).Scan(&last); err != nil {
		return s, fmt.Errorf("stats last archive: %w", err)
	}
	if last.Valid {
		s.LastArchivedAt = fromMillis(last.Int64)
	}
	if dbPath != "" {
		if info, err := os.Stat(dbPath); err == nil {
			s.DBBytes = info.Size()
		}
	}
	return s, nil
}
