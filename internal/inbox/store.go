package inbox

import (
	"context"
	"time"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// StagingStore is the transient holding area for ingested messages.
type StagingStore interface {
	ListStaged(ctx context.Context, channel string) ([]model.StagedMessage, error)
	// TransitionStatus moves every id from one status to another, or none of
	// them. It reports ErrLeaseHeld when any row is not in the from status.
	TransitionStatus(ctx context.Context, ids []int64, from, to model.Status) error
	// SetStatus is an unconditional update; missing ids are ignored.
	SetStatus(ctx context.Context, ids []int64, status model.Status) error
	DeleteStaged(ctx context.Context, ids []int64) error
}

// ChatStore holds durable Chat records.
type ChatStore interface {
	ChatByID(ctx context.Context, id string) (*model.Chat, error)
	ChatByExternalID(ctx context.Context, externalID string) (*model.Chat, error)
	UnlinkedGroupChatByName(ctx context.Context, name string) (*model.Chat, error)
	// LinkChatExternalID sets the external id only if it is still unset and
	// reports whether this call performed the link.
	LinkChatExternalID(ctx context.Context, chatID, externalID string) (bool, error)
	// CreateChat inserts the chat unless one with the same external id exists,
	// and returns whichever row owns the external id.
	CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error)
}

type ContactStore interface {
	ContactByID(ctx context.Context, id string) (*model.Contact, error)
	ContactByMobile(ctx context.Context, normalized string) (*model.Contact, error)
	ContactsForChat(ctx context.Context, chatID string) ([]model.Contact, error)
	SearchContacts(ctx context.Context, query string, limit int) ([]model.Contact, error)
	UpsertContactLink(ctx context.Context, link model.ContactLink) error
	// AdvanceLastInteraction only moves the timestamp forward.
	AdvanceLastInteraction(ctx context.Context, contactID string, at time.Time) (bool, error)
}

type InteractionStore interface {
	InteractionByExternalID(ctx context.Context, externalID string) (*model.Interaction, error)
	// InsertInteraction is insert-if-absent keyed by external message id and
	// returns the stored row.
	InsertInteraction(ctx context.Context, in model.Interaction) (*model.Interaction, error)
	InteractionsForChat(ctx context.Context, chatID string) ([]model.Interaction, error)
}

type AttachmentStore interface {
	AttachmentsByReference(ctx context.Context, refs []string) ([]model.Attachment, error)
	LinkAttachment(ctx context.Context, attachmentID string, link model.AttachmentLink) error
	DeleteAttachments(ctx context.Context, ids []string) error
}

type MarkerStore interface {
	UpsertDoneMarker(ctx context.Context, marker model.ChatDoneMarker) error
}

type SpamStore interface {
	IncrementSpam(ctx context.Context, key model.SpamKey) (*model.SpamEntry, error)
}

type SearchIndex interface {
	SearchArchived(ctx context.Context, query string, limit int) ([]model.SearchResult, error)
}

// Records is the durable CRM store as seen by the orchestrators.
type Records interface {
	ChatStore
	ContactStore
	InteractionStore
	AttachmentStore
	MarkerStore
	SpamStore
	SearchIndex
}

// AvatarSource maps normalized participant identifiers to avatar URLs.
type AvatarSource interface {
	AvatarsByIdentifier(ctx context.Context, normalized []string) (map[string]string, error)
}

// BlobStore removes the binary objects behind attachments.
type BlobStore interface {
	Delete(ctx context.Context, ref string) error
}

// ArchiveWorker runs the full archive workflow out of process.
type ArchiveWorker interface {
	Archive(ctx context.Context, conv Conversation) error
}

// Messenger is the messaging bridge.
type Messenger interface {
	Send(ctx context.Context, recipient, body string) (string, error)
	Status(ctx context.Context) (BridgeStatus, error)
}

// Notifier delivers transient user-facing notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

// Recorder receives operational counters.
type Recorder interface {
	ArchiveFinished(mode string, err error)
	RollbackFinished(err error)
	SpamMarked(kind model.SpamKind)
	StagedConversations(n int)
}

type nopRecorder struct{}

func (nopRecorder) ArchiveFinished(string, error) {}
func (nopRecorder) RollbackFinished(error)        {}
func (nopRecorder) SpamMarked(model.SpamKind)     {}
func (nopRecorder) StagedConversations(int)       {}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
