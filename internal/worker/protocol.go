// Package worker runs the archive workflow behind an HTTP endpoint and
// provides the retrying client the inbox uses to reach it.
package worker

import (
	"time"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"
)

// ArchiveRequest is the body of POST /archive.
type ArchiveRequest struct {
	Conversation ConversationInfo `json:"conversation" validate:"required"`
	Messages     []Message        `json:"messages" validate:"required,min=1,dive"`
}

type ConversationInfo struct {
	ConversationID        string `json:"conversationId" validate:"required"`
	DisplayName           string `json:"displayName"`
	ParticipantIdentifier string `json:"participantIdentifier"`
	IsGroup               bool   `json:"isGroup"`
	ChatJID               string `json:"chatJid,omitempty"`
}

type Message struct {
	ID                int64     `json:"id" validate:"gt=0"`
	ExternalMessageID string    `json:"externalMessageId" validate:"required"`
	Direction         string    `json:"direction" validate:"oneof=sent received"`
	Body              string    `json:"body"`
	Timestamp         time.Time `json:"timestamp" validate:"required"`
	HasAttachments    bool      `json:"hasAttachments"`
	AttachmentRefs    []string  `json:"attachmentRefs,omitempty"`
}

// ArchiveResponse is returned for every POST /archive, successful or not.
type ArchiveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	// Interactions maps external message id to interaction id.
	Interactions map[string]string `json:"interactions,omitempty"`
}

func NewArchiveRequest(conv inbox.Conversation) ArchiveRequest {
	req := ArchiveRequest{
		Conversation: ConversationInfo{
			ConversationID:        conv.ID,
			DisplayName:           conv.DisplayName,
			ParticipantIdentifier: conv.ParticipantIdentifier,
			IsGroup:               conv.IsGroup,
			ChatJID:               conv.ChatJID,
		},
		Messages: make([]Message, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		req.Messages = append(req.Messages, Message{
			ID:                m.ID,
			ExternalMessageID: m.ExternalMessageID,
			Direction:         string(m.Direction),
			Body:              m.Body,
			Timestamp:         m.Timestamp,
			HasAttachments:    m.HasAttachments,
			AttachmentRefs:    m.AttachmentRefs,
		})
	}
	return req
}

// ToConversation rebuilds the conversation the request was made from. The
// messages are marked as leased since the caller holds the lease.
func (r ArchiveRequest) ToConversation() inbox.Conversation {
	meta := model.ParticipantMeta{
		DisplayName: r.Conversation.DisplayName,
		Identifier:  r.Conversation.ParticipantIdentifier,
		IsGroup:     r.Conversation.IsGroup,
		ChatJID:     r.Conversation.ChatJID,
	}
	msgs := make([]model.StagedMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, model.StagedMessage{
			ID:                m.ID,
			Channel:           model.DefaultChannel,
			ConversationID:    r.Conversation.ConversationID,
			ExternalMessageID: m.ExternalMessageID,
			Direction:         model.Direction(m.Direction),
			Body:              m.Body,
			Timestamp:         m.Timestamp,
			HasAttachments:    m.HasAttachments || len(m.AttachmentRefs) > 0,
			AttachmentRefs:    m.AttachmentRefs,
			Status:            model.StatusArchiving,
			Participant:       meta,
		})
	}
	convs := inbox.Group(msgs)
	if len(convs) == 0 {
		return inbox.Conversation{ID: r.Conversation.ConversationID}
	}
	return convs[0]
}
