package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"
)

// ErrStatusConflict is returned by TransitionStatus when a row is not in the
// expected status. It matches inbox.ErrLeaseHeld under errors.Is.
var ErrStatusConflict = fmt.Errorf("staging status conflict: %w", inbox.ErrLeaseHeld)

const stagedColumns = `id, channel, conversation_id, external_message_id, direction, body, timestamp,
	has_attachments, attachment_refs, status, status_at, display_name, participant_identifier,
	is_group, chat_jid`

// InsertStaged stages a message. A message whose external id is already
// staged is ignored; inserted reports whether a row was written.
func (e *Engine) InsertStaged(ctx context.Context, m model.StagedMessage) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	channel := m.Channel
	if channel == "" {
		channel = model.DefaultChannel
	}
	refs := m.AttachmentRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return false, fmt.Errorf("marshal attachment refs: %w", err)
	}
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (channel, conversation_id, external_message_id, direction, body, timestamp,
			has_attachments, attachment_refs, status, status_at, display_name, participant_identifier, is_group, chat_jid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?, ?)
		ON CONFLICT(external_message_id) DO NOTHING
	`, channel, m.ConversationID, m.ExternalMessageID, string(m.Direction), m.Body, toMillis(m.Timestamp),
		boolToInt(m.HasAttachments || len(m.AttachmentRefs) > 0), string(refsJSON),
		m.Participant.DisplayName, m.Participant.Identifier, boolToInt(m.Participant.IsGroup), m.Participant.ChatJID)
	if err != nil {
		return false, fmt.Errorf("insert staged: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert staged rows: %w", err)
	}
	return n == 1, nil
}

func (e *Engine) ListStaged(ctx context.Context, channel string) ([]model.StagedMessage, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+stagedColumns+`
		FROM inbox_messages
		WHERE channel = ?
		ORDER BY timestamp ASC, id ASC
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("list staged: %w", err)
	}
	defer rows.Close()
	return scanStaged(rows)
}

// StagedByConversation returns the staged rows of one conversation.
func (e *Engine) StagedByConversation(ctx context.Context, channel, conversationID string) ([]model.StagedMessage, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+stagedColumns+`
		FROM inbox_messages
		WHERE channel = ? AND conversation_id = ?
		ORDER BY timestamp ASC, id ASC
	`, channel, conversationID)
	if err != nil {
		return nil, fmt.Errorf("staged by conversation: %w", err)
	}
	defer rows.Close()
	return scanStaged(rows)
}

// TransitionStatus moves all ids from one status to another in a single
// transaction, or none of them.
func (e *Engine) TransitionStatus(ctx context.Context, ids []int64, from, to model.Status) error {
	ids = uniqueInt64(ids)
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE inbox_messages SET status = ?, status_at = ? WHERE status = ? AND id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids, string(to), toMillis(e.now()), string(from))...)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition status rows: %w", err)
	}
	if n != int64(len(ids)) {
		return ErrStatusConflict
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (e *Engine) SetStatus(ctx context.Context, ids []int64, status model.Status) error {
	ids = uniqueInt64(ids)
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx,
		`UPDATE inbox_messages SET status = ?, status_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids, string(status), toMillis(e.now()))...)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (e *Engine) DeleteStaged(ctx context.Context, ids []int64) error {
	ids = uniqueInt64(ids)
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM inbox_messages WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("delete staged: %w", err)
	}
	return nil
}

// ResetStaleLeases clears archiving rows whose lease is older than cutoff and
// returns how many were reset.
func (e *Engine) ResetStaleLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.db.ExecContext(ctx,
		`UPDATE inbox_messages SET status = '', status_at = ? WHERE status = ? AND status_at < ?`,
		toMillis(e.now()), string(model.StatusArchiving), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reset stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale leases rows: %w", err)
	}
	return n, nil
}

func scanStaged(rows *sql.Rows) ([]model.StagedMessage, error) {
	result := make([]model.StagedMessage, 0)
	for rows.Next() {
		var (
			m                       model.StagedMessage
			direction, status, refs string
			ts, statusAt            int64
			hasAtt, isGroup         int
		)
		if err := rows.Scan(
			&m.ID,
			&m.Channel,
			&m.ConversationID,
			&m.ExternalMessageID,
			&direction,
			&m.Body,
			&ts,
			&hasAtt,
			&refs,
			&status,
			&statusAt,
			&m.Participant.DisplayName,
			&m.Participant.Identifier,
			&isGroup,
			&m.Participant.ChatJID,
		); err != nil {
			return nil, fmt.Errorf("scan staged: %w", err)
		}
		m.Direction = model.Direction(direction)
		m.Status = model.Status(status)
		m.Timestamp = fromMillis(ts)
		m.StatusAt = fromMillis(statusAt)
		m.HasAttachments = hasAtt == 1
		m.Participant.IsGroup = isGroup == 1
		if refs != "" {
			if err := json.Unmarshal([]byte(refs), &m.AttachmentRefs); err != nil {
				return nil, fmt.Errorf("decode attachment refs of %d: %w", m.ID, err)
			}
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged: %w", err)
	}
	return result, nil
}
