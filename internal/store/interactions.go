package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const interactionColumns = `id, external_message_id, kind, direction, occurred_at, summary, chat_id, COALESCE(contact_id, ''), created_at`

func (e *Engine) InteractionByExternalID(ctx context.Context, externalID string) (*model.Interaction, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE external_message_id = ?`, externalID)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("interaction by external id: %w", err)
	}
	return in, nil
}

// InteractionExists is the cheap existence check used at ingestion.
func (e *Engine) InteractionExists(ctx context.Context, externalID string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM interactions WHERE external_message_id = ?`, externalID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("interaction exists: %w", err)
	}
	return n > 0, nil
}

func (e *Engine) InsertInteraction(ctx context.Context, in model.Interaction) (*model.Interaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kind := in.Kind
	if kind == "" {
		kind = model.DefaultChannel
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO interactions (id, external_message_id, kind, direction, occurred_at, summary, chat_id, contact_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_message_id) DO NOTHING
	`, in.ID, in.ExternalMessageID, kind, string(in.Direction), toMillis(in.OccurredAt), in.Summary, in.ChatID,
		nullString(in.ContactID), toMillis(createdAt))
	if err != nil {
		return nil, fmt.Errorf("insert interaction: %w", err)
	}

	row := e.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE external_message_id = ?`, in.ExternalMessageID)
	stored, err := scanInteraction(row)
	if err != nil {
		return nil, fmt.Errorf("reload interaction: %w", err)
	}
	return stored, nil
}

// InteractionsForChat returns a chat's interactions oldest first.
func (e *Engine) InteractionsForChat(ctx context.Context, chatID string) ([]model.Interaction, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE chat_id = ?
		ORDER BY occurred_at ASC, external_message_id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("interactions for chat: %w", err)
	}
	defer rows.Close()

	result := make([]model.Interaction, 0)
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		result = append(result, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return result, nil
}

func scanInteraction(s scanner) (*model.Interaction, error) {
	var (
		in                    model.Interaction
		direction             string
		occurredAt, createdAt int64
	)
	if err := s.Scan(&in.ID, &in.ExternalMessageID, &in.Kind, &direction, &occurredAt, &in.Summary, &in.ChatID, &in.ContactID, &createdAt); err != nil {
		return nil, err
	}
	in.Direction = model.Direction(direction)
	in.OccurredAt = fromMillis(occurredAt)
	in.CreatedAt = fromMillis(createdAt)
	return &in, nil
}
