// Package model holds the entity types shared by the staging store, the
// durable CRM store and the inbox engine.
package model

import "time"

// Direction of a chat message relative to the account owner.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Status is the soft-lock column of a staged message.
type Status string

const (
	StatusNone      Status = ""
	StatusArchiving Status = "archiving"
)

// DefaultChannel is the staging "type" for chat platform messages.
const DefaultChannel = "whatsapp"

// ParticipantMeta is the conversation metadata the bridge attaches to every
// staged message.
type ParticipantMeta struct {
	DisplayName string `json:"displayName"`
	Identifier  string `json:"participantIdentifier"`
	IsGroup     bool   `json:"isGroup"`
	ChatJID     string `json:"chatJid,omitempty"`
}

// StagedMessage is a freshly ingested message that has not been archived yet.
type StagedMessage struct {
	ID                int64
	Channel           string
	ConversationID    string
	ExternalMessageID string
	Direction         Direction
	Body              string
	Timestamp         time.Time
	HasAttachments    bool
	AttachmentRefs    []string
	Status            Status
	StatusAt          time.Time
	Participant       ParticipantMeta
}

// Chat is the durable conversation record.
type Chat struct {
	ID                     string
	ExternalConversationID string
	DisplayName            string
	IsGroup                bool
	Category               string
	BridgeJID              string
	CreatedAt              time.Time
}

// Category values for Chat.
const (
	CategoryGroup      = "group"
	CategoryIndividual = "individual"
)

// Contact is a CRM person.
type Contact struct {
	ID                string
	FirstName         string
	LastName          string
	AvatarURL         string
	LastInteractionAt *time.Time
	Mobiles           []ContactMobile
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// PrimaryMobile returns the primary phone, or the first one.
func (c Contact) PrimaryMobile() string {
	for _, m := range c.Mobiles {
		if m.IsPrimary {
			return m.Mobile
		}
	}
	if len(c.Mobiles) > 0 {
		return c.Mobiles[0].Mobile
	}
	return ""
}

type ContactMobile struct {
	Mobile    string
	IsPrimary bool
}

// ContactLink associates a contact with a chat.
type ContactLink struct {
	ContactID string
	ChatID    string
}

// Interaction is one archived message.
type Interaction struct {
	ID                string
	ExternalMessageID string
	Kind              string
	Direction         Direction
	OccurredAt        time.Time
	Summary           string
	ChatID            string
	ContactID         string
	CreatedAt         time.Time
}

// Attachment is the metadata row for a binary object stored in the blob store.
type Attachment struct {
	ID                string
	ExternalReference string
	FileName          string
	MimeType          string
	Size              int64
	BlobRef           string
	ChatID            string
	ContactID         string
	InteractionID     string
	CreatedAt         time.Time
}

// AttachmentLink carries the resolved record ids written onto attachments.
// Empty fields are left untouched.
type AttachmentLink struct {
	ChatID        string
	ContactID     string
	InteractionID string
}

// ChatDoneMarker remembers the last archived message of a conversation.
type ChatDoneMarker struct {
	ConversationID        string
	ChatID                string
	DoneAt                time.Time
	LastMessageExternalID string
	LastMessageAt         time.Time
}

// SpamKind separates the phone and group key spaces of the spam list.
type SpamKind string

const (
	SpamPhone SpamKind = "phone"
	SpamGroup SpamKind = "group"
)

// SpamKey identifies a spam list entry.
type SpamKey struct {
	Kind       SpamKind
	Identifier string
}

// String renders the display form: the phone itself or "group:<chatId>".
func (k SpamKey) String() string {
	if k.Kind == SpamGroup {
		return "group:" + k.Identifier
	}
	return k.Identifier
}

// SpamEntry is a blocklisted identifier with its hit counter.
type SpamEntry struct {
	Key       SpamKey
	Counter   int
	UpdatedAt time.Time
}

// SearchResult is one hit of the archived conversation search.
type SearchResult struct {
	ChatID      string `json:"chatId"`
	DisplayName string `json:"displayName"`
	Snippet     string `json:"snippet"`
}
