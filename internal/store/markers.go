package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// UpsertDoneMarker keeps one marker per conversation. A marker never moves
// back to an older last message.
func (e *Engine) UpsertDoneMarker(ctx context.Context, m model.ChatDoneMarker) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	doneAt := m.DoneAt
	if doneAt.IsZero() {
		doneAt = e.now()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO chat_done (conversation_id, chat_id, done_at, last_message_external_id, last_message_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			done_at = excluded.done_at,
			last_message_external_id = CASE WHEN excluded.last_message_at >= chat_done.last_message_at
				THEN excluded.last_message_external_id ELSE chat_done.last_message_external_id END,
			last_message_at = MAX(chat_done.last_message_at, excluded.last_message_at)
	`, m.ConversationID, m.ChatID, toMillis(doneAt), m.LastMessageExternalID, toMillis(m.LastMessageAt))
	if err != nil {
		return fmt.Errorf("upsert done marker: %w", err)
	}
	return nil
}

func (e *Engine) DoneMarker(ctx context.Context, conversationID string) (*model.ChatDoneMarker, error) {
	var (
		m                 model.ChatDoneMarker
		doneAt, lastMsgAt int64
	)
	err := e.db.QueryRowContext(ctx, `
		SELECT conversation_id, chat_id, done_at, last_message_external_id, last_message_at
		FROM chat_done WHERE conversation_id = ?
	`, conversationID).Scan(&m.ConversationID, &m.ChatID, &doneAt, &m.LastMessageExternalID, &lastMsgAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("done marker: %w", err)
	}
	m.DoneAt = fromMillis(doneAt)
	m.LastMessageAt = fromMillis(lastMsgAt)
	return &m, nil
}
