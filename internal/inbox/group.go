package inbox

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// Conversation is the in-memory grouped view of one conversation's staged
// messages. It is rebuilt on every staging read.
type Conversation struct {
	ID                    string                `json:"conversationId"`
	DisplayName           string                `json:"displayName"`
	ParticipantIdentifier string                `json:"participantIdentifier"`
	IsGroup               bool                  `json:"isGroup"`
	ChatJID               string                `json:"chatJid,omitempty"`
	AvatarURL             string                `json:"avatarUrl,omitempty"`
	Messages              []model.StagedMessage `json:"messages"`
	Latest                model.StagedMessage   `json:"latestMessage"`
	Status                model.Status          `json:"status"`
	Unread                int                   `json:"unread"`
}

// MessageIDs returns the staging ids of every message in the conversation.
func (c Conversation) MessageIDs() []int64 {
	ids := make([]int64, len(c.Messages))
	for i, m := range c.Messages {
		ids[i] = m.ID
	}
	return ids
}

// ExternalIDs returns the external message ids of every message.
func (c Conversation) ExternalIDs() []string {
	ids := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.ExternalMessageID != "" {
			ids = append(ids, m.ExternalMessageID)
		}
	}
	return ids
}

// Archiving reports whether the conversation is under an archive lease.
func (c Conversation) Archiving() bool {
	return c.Status == model.StatusArchiving
}

// Group folds staged messages into per-conversation aggregates sorted by
// latest message time, newest first. It has no side effects.
func Group(msgs []model.StagedMessage) []Conversation {
	byID := make(map[string]*Conversation)
	order := make([]string, 0)

	for _, m := range msgs {
		conv, ok := byID[m.ConversationID]
		if !ok {
			conv = &Conversation{
				ID:                    m.ConversationID,
				DisplayName:           m.Participant.DisplayName,
				ParticipantIdentifier: m.Participant.Identifier,
				IsGroup:               m.Participant.IsGroup,
				ChatJID:               m.Participant.ChatJID,
				Latest:                m,
				Status:                m.Status,
			}
			byID[m.ConversationID] = conv
			order = append(order, m.ConversationID)
		} else {
			backfillMeta(conv, m.Participant)
			if laterThan(m, conv.Latest) {
				conv.Latest = m
				conv.Status = m.Status
			}
		}
		conv.Messages = append(conv.Messages, m)
		if m.Direction == model.DirectionReceived {
			conv.Unread++
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, id := range order {
		conv := byID[id]
		// the aggregate is leased if any of its rows is
		for _, m := range conv.Messages {
			if m.Status == model.StatusArchiving {
				conv.Status = model.StatusArchiving
				break
			}
		}
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Latest.Timestamp, out[j].Latest.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// laterThan orders messages by timestamp, then external id, then staging id,
// so the latest message does not depend on input order.
func laterThan(a, b model.StagedMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.ExternalMessageID != b.ExternalMessageID {
		return a.ExternalMessageID > b.ExternalMessageID
	}
	return a.ID > b.ID
}

func backfillMeta(conv *Conversation, p model.ParticipantMeta) {
	if conv.DisplayName == "" {
		conv.DisplayName = p.DisplayName
	}
	if conv.ParticipantIdentifier == "" {
		conv.ParticipantIdentifier = p.Identifier
	}
	if conv.ChatJID == "" {
		conv.ChatJID = p.ChatJID
	}
	if p.IsGroup {
		conv.IsGroup = true
	}
}

// sortedMessages returns the conversation's messages oldest first.
func sortedMessages(msgs []model.StagedMessage) []model.StagedMessage {
	out := make([]model.StagedMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return laterThan(out[j], out[i]) })
	return out
}

// Enrich attaches avatar URLs to 1:1 conversations whose participant matches a
// known contact. Lookup failures are logged and leave convs unchanged.
func Enrich(ctx context.Context, convs []Conversation, avatars AvatarSource, log zerolog.Logger) []Conversation {
	if avatars == nil || len(convs) == 0 {
		return convs
	}
	keys := make([]string, 0, len(convs))
	seen := make(map[string]bool)
	for _, c := range convs {
		if c.IsGroup {
			continue
		}
		n := NormalizeIdentifier(c.ParticipantIdentifier)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		keys = append(keys, n)
	}
	if len(keys) == 0 {
		return convs
	}

	found, err := avatars.AvatarsByIdentifier(ctx, keys)
	if err != nil {
		log.Warn().Err(err).Int("identifiers", len(keys)).Msg("avatar enrichment skipped")
		return convs
	}

	out := make([]Conversation, len(convs))
	copy(out, convs)
	for i := range out {
		if out[i].IsGroup {
			continue
		}
		if url := strings.TrimSpace(found[NormalizeIdentifier(out[i].ParticipantIdentifier)]); url != "" {
			out[i].AvatarURL = url
		}
	}
	return out
}
