package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// Resolver maps conversations onto durable Chat and Contact records.
// A lookup that finds nothing is not an error.
type Resolver struct {
	chats    ChatStore
	contacts ContactStore
	now      func() time.Time
}

func NewResolver(chats ChatStore, contacts ContactStore) *Resolver {
	return &Resolver{chats: chats, contacts: contacts, now: time.Now}
}

// ResolveChat finds the Chat for conv by external id, then (groups only) by
// name among chats without an external id, and otherwise creates one.
func (r *Resolver) ResolveChat(ctx context.Context, conv Conversation) (*model.Chat, error) {
	extID := strings.TrimSpace(conv.ID)

	chat, err := r.chats.ChatByExternalID(ctx, extID)
	if err != nil {
		return nil, storeErr("chat by external id", err)
	}
	if chat != nil {
		return chat, nil
	}

	if conv.IsGroup && strings.TrimSpace(conv.DisplayName) != "" {
		local, err := r.chats.UnlinkedGroupChatByName(ctx, strings.TrimSpace(conv.DisplayName))
		if err != nil {
			return nil, storeErr("group chat by name", err)
		}
		if local != nil {
			linked, err := r.chats.LinkChatExternalID(ctx, local.ID, extID)
			if err != nil {
				return nil, storeErr("link chat external id", err)
			}
			if linked {
				local.ExternalConversationID = extID
				return local, nil
			}
			// lost the race; whoever linked first owns the external id now
			chat, err := r.chats.ChatByExternalID(ctx, extID)
			if err != nil {
				return nil, storeErr("chat by external id", err)
			}
			if chat != nil {
				return chat, nil
			}
		}
	}

	category := model.CategoryIndividual
	if conv.IsGroup {
		category = model.CategoryGroup
	}
	created, err := r.chats.CreateChat(ctx, model.Chat{
		ID:                     uuid.NewString(),
		ExternalConversationID: extID,
		DisplayName:            chatName(conv),
		IsGroup:                conv.IsGroup,
		Category:               category,
		BridgeJID:              conv.ChatJID,
		CreatedAt:              r.now(),
	})
	if err != nil {
		return nil, storeErr("create chat", err)
	}
	return created, nil
}

// ResolveContact looks up the 1:1 participant by normalized phone. Groups and
// conversations without an identifier resolve to nil.
func (r *Resolver) ResolveContact(ctx context.Context, conv Conversation) (*model.Contact, error) {
	if conv.IsGroup {
		return nil, nil
	}
	normalized := NormalizeIdentifier(conv.ParticipantIdentifier)
	if normalized == "" {
		return nil, nil
	}
	contact, err := r.contacts.ContactByMobile(ctx, normalized)
	if err != nil {
		return nil, storeErr("contact by mobile", err)
	}
	return contact, nil
}

func chatName(conv Conversation) string {
	if name := strings.TrimSpace(conv.DisplayName); name != "" {
		return name
	}
	if conv.ParticipantIdentifier != "" {
		return conv.ParticipantIdentifier
	}
	return conv.ID
}
