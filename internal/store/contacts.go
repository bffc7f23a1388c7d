package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"
)

// minReverseMatch is the shortest stored number allowed to match as a suffix
// of the looked-up identifier (a stored local number without country code).
const minReverseMatch = 7

const contactColumns = `c.id, c.first_name, c.last_name, c.avatar_url, c.last_interaction_at`

// CreateContact inserts a contact with its phone numbers. An empty ID is
// assigned a UUID.
func (e *Engine) CreateContact(ctx context.Context, c model.Contact) (*model.Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create contact: %w", err)
	}
	defer tx.Rollback()

	var last any
	if c.LastInteractionAt != nil {
		last = toMillis(*c.LastInteractionAt)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (id, first_name, last_name, avatar_url, last_interaction_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, strings.TrimSpace(c.FirstName), strings.TrimSpace(c.LastName), c.AvatarURL, last, toMillis(e.now())); err != nil {
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	for _, m := range c.Mobiles {
		normalized := inbox.NormalizeIdentifier(m.Mobile)
		if normalized == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contact_mobiles (contact_id, mobile, mobile_normalized, is_primary)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(contact_id, mobile_normalized) DO UPDATE SET is_primary = MAX(is_primary, excluded.is_primary)
		`, c.ID, strings.TrimSpace(m.Mobile), normalized, boolToInt(m.IsPrimary)); err != nil {
			return nil, fmt.Errorf("insert contact mobile: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit contact: %w", err)
	}
	return &c, nil
}

func (e *Engine) ContactByID(ctx context.Context, id string) (*model.Contact, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id = ?`, id)
	c, err := scanContactRow(row)
	if err != nil || c == nil {
		return c, err
	}
	if err := e.loadMobiles(ctx, []*model.Contact{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ContactByMobile is a tolerant match: a stored number containing the
// identifier, or a long enough stored number that the identifier ends with.
// Primary numbers win.
func (e *Engine) ContactByMobile(ctx context.Context, normalized string) (*model.Contact, error) {
	if normalized == "" {
		return nil, nil
	}
	row := e.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contact_mobiles m
		JOIN contacts c ON c.id = m.contact_id
		WHERE m.mobile_normalized = ?
		   OR instr(m.mobile_normalized, ?) > 0
		   OR (length(m.mobile_normalized) >= ? AND substr(?, -length(m.mobile_normalized)) = m.mobile_normalized)
		ORDER BY (m.mobile_normalized = ?) DESC, m.is_primary DESC, c.id ASC
		LIMIT 1
	`, normalized, normalized, minReverseMatch, normalized, normalized)
	c, err := scanContactRow(row)
	if err != nil || c == nil {
		return c, err
	}
	if err := e.loadMobiles(ctx, []*model.Contact{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) ContactsForChat(ctx context.Context, chatID string) ([]model.Contact, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contact_chats l
		JOIN contacts c ON c.id = l.contact_id
		WHERE l.chat_id = ?
		ORDER BY l.created_at ASC, c.id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("contacts for chat: %w", err)
	}
	defer rows.Close()
	return e.scanContacts(ctx, rows)
}

// SearchContacts matches name or phone and only returns contacts that have
// at least one phone number.
func (e *Engine) SearchContacts(ctx context.Context, query string, limit int) ([]model.Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	digits := inbox.NormalizeIdentifier(query)
	digitPattern := "%" + escapeLike(digits) + "%"
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts c
		WHERE EXISTS (SELECT 1 FROM contact_mobiles m WHERE m.contact_id = c.id)
		  AND (lower(c.first_name) LIKE ? ESCAPE '\'
		    OR lower(c.last_name) LIKE ? ESCAPE '\'
		    OR lower(c.first_name || ' ' || c.last_name) LIKE ? ESCAPE '\'
		    OR (? <> '' AND EXISTS (
		        SELECT 1 FROM contact_mobiles m WHERE m.contact_id = c.id AND m.mobile_normalized LIKE ? ESCAPE '\')))
		ORDER BY c.first_name ASC, c.last_name ASC, c.id ASC
		LIMIT ?
	`, pattern, pattern, pattern, digits, digitPattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()
	return e.scanContacts(ctx, rows)
}

func (e *Engine) UpsertContactLink(ctx context.Context, link model.ContactLink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO contact_chats (contact_id, chat_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(contact_id, chat_id) DO NOTHING
	`, link.ContactID, link.ChatID, toMillis(e.now()))
	if err != nil {
		return fmt.Errorf("upsert contact link: %w", err)
	}
	return nil
}

// AdvanceLastInteraction sets last_interaction_at only when it is null or
// older than at.
func (e *Engine) AdvanceLastInteraction(ctx context.Context, contactID string, at time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := toMillis(at)
	res, err := e.db.ExecContext(ctx, `
		UPDATE contacts SET last_interaction_at = ?, updated_at = ?
		WHERE id = ? AND (last_interaction_at IS NULL OR last_interaction_at < ?)
	`, ms, toMillis(e.now()), contactID, ms)
	if err != nil {
		return false, fmt.Errorf("advance last interaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance last interaction rows: %w", err)
	}
	return n == 1, nil
}

// AvatarsByIdentifier maps exact normalized numbers to contact avatars.
func (e *Engine) AvatarsByIdentifier(ctx context.Context, normalized []string) (map[string]string, error) {
	normalized = uniqueStrings(normalized)
	out := make(map[string]string, len(normalized))
	if len(normalized) == 0 {
		return out, nil
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT m.mobile_normalized, c.avatar_url
		FROM contact_mobiles m
		JOIN contacts c ON c.id = m.contact_id
		WHERE c.avatar_url <> '' AND m.mobile_normalized IN (`+placeholders(len(normalized))+`)
		ORDER BY m.is_primary DESC
	`, stringArgs(normalized)...)
	if err != nil {
		return nil, fmt.Errorf("avatars by identifier: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, url string
		if err := rows.Scan(&key, &url); err != nil {
			return nil, fmt.Errorf("scan avatar: %w", err)
		}
		if _, ok := out[key]; !ok {
			out[key] = url
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate avatars: %w", err)
	}
	return out, nil
}

func (e *Engine) scanContacts(ctx context.Context, rows *sql.Rows) ([]model.Contact, error) {
	ptrs := make([]*model.Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		ptrs = append(ptrs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	// release the connection before the follow-up query
	_ = rows.Close()
	if err := e.loadMobiles(ctx, ptrs); err != nil {
		return nil, err
	}
	out := make([]model.Contact, len(ptrs))
	for i, c := range ptrs {
		out[i] = *c
	}
	return out, nil
}

func (e *Engine) loadMobiles(ctx context.Context, contacts []*model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	byID := make(map[string]*model.Contact, len(contacts))
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT contact_id, mobile, is_primary FROM contact_mobiles
		WHERE contact_id IN (`+placeholders(len(ids))+`)
		ORDER BY is_primary DESC, mobile ASC
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("load mobiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, mobile string
			primary    int
		)
		if err := rows.Scan(&id, &mobile, &primary); err != nil {
			return fmt.Errorf("scan mobile: %w", err)
		}
		if c := byID[id]; c != nil {
			c.Mobiles = append(c.Mobiles, model.ContactMobile{Mobile: mobile, IsPrimary: primary == 1})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate mobiles: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(s scanner) (*model.Contact, error) {
	var (
		c    model.Contact
		last sql.NullInt64
	)
	if err := s.Scan(&c.ID, &c.FirstName, &c.LastName, &c.AvatarURL, &last); err != nil {
		return nil, err
	}
	c.LastInteractionAt = nullMillis(last)
	return &c, nil
}

func scanContactRow(row *sql.Row) (*model.Contact, error) {
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	return c, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
