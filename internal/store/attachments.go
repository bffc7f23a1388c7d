package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const attachmentColumns = `id, external_reference, file_name, mime_type, size, blob_ref,
	COALESCE(chat_id, ''), COALESCE(contact_id, ''), COALESCE(interaction_id, ''), created_at`

func (e *Engine) InsertAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO attachments (id, external_reference, file_name, mime_type, size, blob_ref, chat_id, contact_id, interaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ExternalReference, a.FileName, a.MimeType, a.Size, a.BlobRef,
		nullString(a.ChatID), nullString(a.ContactID), nullString(a.InteractionID), toMillis(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return &a, nil
}

func (e *Engine) AttachmentsByReference(ctx context.Context, refs []string) ([]model.Attachment, error) {
	refs = uniqueStrings(refs)
	if len(refs) == 0 {
		return nil, nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE external_reference IN (`+placeholders(len(refs))+`)
		ORDER BY created_at ASC, id ASC
	`, stringArgs(refs)...)
	if err != nil {
		return nil, fmt.Errorf("attachments by reference: %w", err)
	}
	defer rows.Close()

	result := make([]model.Attachment, 0)
	for rows.Next() {
		var (
			a         model.Attachment
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.ExternalReference, &a.FileName, &a.MimeType, &a.Size, &a.BlobRef,
			&a.ChatID, &a.ContactID, &a.InteractionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return result, nil
}

// LinkAttachment writes the non-empty ids of link onto the attachment.
func (e *Engine) LinkAttachment(ctx context.Context, attachmentID string, link model.AttachmentLink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		UPDATE attachments SET
			chat_id = COALESCE(?, chat_id),
			contact_id = COALESCE(?, contact_id),
			interaction_id = COALESCE(?, interaction_id)
		WHERE id = ?
	`, nullString(link.ChatID), nullString(link.ContactID), nullString(link.InteractionID), attachmentID)
	if err != nil {
		return fmt.Errorf("link attachment: %w", err)
	}
	return nil
}

func (e *Engine) DeleteAttachments(ctx context.Context, ids []string) error {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `DELETE FROM attachments WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	return nil
}
