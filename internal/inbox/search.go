package inbox

import (
	"context"
	"strings"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const DefaultSearchLimit = 100

// Searcher queries archived conversations. It never touches staging and never
// writes.
type Searcher struct {
	records Records
	limit   int
}

func NewSearcher(records Records, limit int) *Searcher {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Searcher{records: records, limit: limit}
}

// ArchivedConversation is the read-only view of an archived chat.
type ArchivedConversation struct {
	Chat         model.Chat          `json:"chat"`
	Contact      *model.Contact      `json:"contact,omitempty"`
	Participant  string              `json:"participant,omitempty"`
	Interactions []model.Interaction `json:"interactions"`
}

func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrQueryTooShort
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	results, err := s.records.SearchArchived(ctx, query, limit)
	if err != nil {
		return nil, storeErr("search archived", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Load rehydrates an archived chat: its interactions oldest first, the linked
// contact if any, and for 1:1 chats the participant phone.
func (s *Searcher) Load(ctx context.Context, chatID string) (*ArchivedConversation, error) {
	chat, err := s.records.ChatByID(ctx, chatID)
	if err != nil {
		return nil, storeErr("chat by id", err)
	}
	if chat == nil {
		return nil, ErrUnknownConversation
	}

	interactions, err := s.records.InteractionsForChat(ctx, chat.ID)
	if err != nil {
		return nil, storeErr("interactions for chat", err)
	}

	contact, err := s.linkedContact(ctx, chat.ID, interactions)
	if err != nil {
		return nil, err
	}

	out := &ArchivedConversation{Chat: *chat, Contact: contact, Interactions: interactions}
	if !chat.IsGroup {
		out.Participant = participantFor(*chat, contact)
	}
	return out, nil
}

func (s *Searcher) linkedContact(ctx context.Context, chatID string, interactions []model.Interaction) (*model.Contact, error) {
	linked, err := s.records.ContactsForChat(ctx, chatID)
	if err != nil {
		return nil, storeErr("contacts for chat", err)
	}
	if len(linked) > 0 {
		return &linked[0], nil
	}
	for _, in := range interactions {
		if in.ContactID == "" {
			continue
		}
		c, err := s.records.ContactByID(ctx, in.ContactID)
		if err != nil {
			return nil, storeErr("contact by id", err)
		}
		return c, nil
	}
	return nil, nil
}

func participantFor(chat model.Chat, contact *model.Contact) string {
	if phone := PhoneFromJID(chat.BridgeJID); phone != "" {
		return phone
	}
	if contact != nil {
		if m := contact.PrimaryMobile(); m != "" {
			return NormalizeIdentifier(m)
		}
	}
	if n := NormalizeIdentifier(chat.ExternalConversationID); isDigitsOnly(n) {
		return n
	}
	return ""
}
