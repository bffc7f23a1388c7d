package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const chatColumns = `id, COALESCE(external_conversation_id, ''), display_name, is_group, category, bridge_jid, created_at`

func (e *Engine) ChatByID(ctx context.Context, id string) (*model.Chat, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	return scanChat(row, "chat by id")
}

func (e *Engine) ChatByExternalID(ctx context.Context, externalID string) (*model.Chat, error) {
	if externalID == "" {
		return nil, nil
	}
	row := e.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE external_conversation_id = ?`, externalID)
	return scanChat(row, "chat by external id")
}

// UnlinkedGroupChatByName finds the oldest group chat with this exact name
// that has no external id yet.
func (e *Engine) UnlinkedGroupChatByName(ctx context.Context, name string) (*model.Chat, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE is_group = 1 AND display_name = ? AND (external_conversation_id IS NULL OR external_conversation_id = '')
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, name)
	return scanChat(row, "unlinked group chat")
}

// LinkChatExternalID backfills the external id at most once.
func (e *Engine) LinkChatExternalID(ctx context.Context, chatID, externalID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.db.ExecContext(ctx, `
		UPDATE chats SET external_conversation_id = ?
		WHERE id = ? AND (external_conversation_id IS NULL OR external_conversation_id = '')
		  AND NOT EXISTS (SELECT 1 FROM chats WHERE external_conversation_id = ?)
	`, externalID, chatID, externalID)
	if err != nil {
		return false, fmt.Errorf("link chat external id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link chat rows: %w", err)
	}
	return n == 1, nil
}

func (e *Engine) CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	category := chat.Category
	if category == "" {
		category = model.CategoryIndividual
		if chat.IsGroup {
			category = model.CategoryGroup
		}
	}
	createdAt := chat.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO chats (id, external_conversation_id, display_name, is_group, category, bridge_jid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_conversation_id) DO NOTHING
	`, chat.ID, nullString(chat.ExternalConversationID), chat.DisplayName, boolToInt(chat.IsGroup), category, chat.BridgeJID, toMillis(createdAt))
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	var row *sql.Row
	if chat.ExternalConversationID != "" {
		row = e.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE external_conversation_id = ?`, chat.ExternalConversationID)
	} else {
		row = e.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, chat.ID)
	}
	created, err := scanChat(row, "reload chat")
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("create chat: row %s not found after insert", chat.ID)
	}
	return created, nil
}

// SetChatName updates the display name, used when the bridge learns a group
// subject after the chat was created.
func (e *Engine) SetChatName(ctx context.Context, externalID, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `UPDATE chats SET display_name = ? WHERE external_conversation_id = ?`, name, externalID)
	if err != nil {
		return fmt.Errorf("set chat name: %w", err)
	}
	return nil
}

func scanChat(row *sql.Row, op string) (*model.Chat, error) {
	var (
		c         model.Chat
		isGroup   int
		createdAt int64
	)
	err := row.Scan(&c.ID, &c.ExternalConversationID, &c.DisplayName, &isGroup, &c.Category, &c.BridgeJID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.IsGroup = isGroup == 1
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}
