package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"
)

// Store is what ingestion needs from the database; *store.Engine satisfies it.
type Store interface {
	InsertStaged(ctx context.Context, m model.StagedMessage) (bool, error)
	DoneMarker(ctx context.Context, conversationID string) (*model.ChatDoneMarker, error)
	InteractionExists(ctx context.Context, externalID string) (bool, error)
	IsSpam(ctx context.Context, key model.SpamKey) (bool, error)
	InsertAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error)
	SetChatName(ctx context.Context, externalID, name string) error
}

// BlobWriter persists attachment bytes.
type BlobWriter interface {
	Put(ctx context.Context, name string, r io.Reader) (string, int64, error)
}

// Media is one downloaded attachment of an incoming message.
type Media struct {
	FileName string
	MimeType string
	Data     []byte
}

// Incoming is a message observed on the messaging network, in either
// direction.
type Incoming struct {
	ConversationID    string
	ExternalMessageID string
	Direction         model.Direction
	Body              string
	Timestamp         time.Time
	Participant       model.ParticipantMeta
	Media             []Media
}

// Result says what ingestion did with a message.
type Result string

const (
	Staged           Result = "staged"
	Duplicate        Result = "duplicate"
	AlreadyArchived  Result = "already_archived"
	BeforeDoneMarker Result = "before_done_marker"
	Blocked          Result = "spam"
	Empty            Result = "empty"
)

type Ingestor struct {
	store   Store
	blobs   BlobWriter
	channel string
	log     zerolog.Logger
}

func NewIngestor(st Store, blobs BlobWriter, channel string, log zerolog.Logger) *Ingestor {
	if channel == "" {
		channel = model.DefaultChannel
	}
	return &Ingestor{store: st, blobs: blobs, channel: channel, log: log}
}

// Ingest stages in unless it was already archived, precedes the
// conversation's done marker, or comes from a blocked phone or group.
func (i *Ingestor) Ingest(ctx context.Context, in Incoming) (Result, error) {
	if in.ConversationID == "" || in.ExternalMessageID == "" {
		return Empty, fmt.Errorf("ingest: conversation and message id are required")
	}
	if strings.TrimSpace(in.Body) == "" && len(in.Media) == 0 {
		return Empty, nil
	}
	log := i.log.With().Str("conversation", in.ConversationID).Str("message", in.ExternalMessageID).Logger()

	key := inbox.SpamKeyFor(inbox.Conversation{
		ID:                    in.ConversationID,
		ParticipantIdentifier: in.Participant.Identifier,
		IsGroup:               in.Participant.IsGroup,
	})
	if key.Identifier != "" {
		blocked, err := i.store.IsSpam(ctx, key)
		if err != nil {
			return "", fmt.Errorf("ingest spam check: %w", err)
		}
		if blocked {
			log.Info().Str("key", key.String()).Msg("dropped message from blocked sender")
			return Blocked, nil
		}
	}

	marker, err := i.store.DoneMarker(ctx, in.ConversationID)
	if err != nil {
		return "", fmt.Errorf("ingest done marker: %w", err)
	}
	if marker != nil && marker.LastMessageExternalID == in.ExternalMessageID {
		log.Warn().
			Str("marker_message", marker.LastMessageExternalID).
			Time("done_at", marker.DoneAt).
			Msg("dropped redelivery of archived message")
		return BeforeDoneMarker, nil
	}

	exists, err := i.store.InteractionExists(ctx, in.ExternalMessageID)
	if err != nil {
		return "", fmt.Errorf("ingest interaction check: %w", err)
	}
	if exists {
		log.Info().Msg("dropped message already archived as interaction")
		return AlreadyArchived, nil
	}

	refs := i.saveMedia(ctx, log, in)
	inserted, err := i.store.InsertStaged(ctx, model.StagedMessage{
		Channel:           i.channel,
		ConversationID:    in.ConversationID,
		ExternalMessageID: in.ExternalMessageID,
		Direction:         in.Direction,
		Body:              in.Body,
		Timestamp:         in.Timestamp,
		HasAttachments:    len(in.Media) > 0,
		AttachmentRefs:    refs,
		Participant:       in.Participant,
	})
	if err != nil {
		return "", fmt.Errorf("ingest stage: %w", err)
	}
	if !inserted {
		return Duplicate, nil
	}
	log.Debug().Str("direction", string(in.Direction)).Int("attachments", len(refs)).Msg("message staged")
	return Staged, nil
}

// saveMedia stores each attachment and records it. Failures are logged and
// the message is staged without that attachment.
func (i *Ingestor) saveMedia(ctx context.Context, log zerolog.Logger, in Incoming) []string {
	if len(in.Media) == 0 || i.blobs == nil {
		return nil
	}
	refs := make([]string, 0, len(in.Media))
	for n, m := range in.Media {
		if len(m.Data) == 0 {
			continue
		}
		mime := mimetype.Detect(m.Data)
		mimeType := mime.String()
		if mimeType == "application/octet-stream" && m.MimeType != "" {
			mimeType = m.MimeType
		}
		name := m.FileName
		if name == "" {
			name = fmt.Sprintf("%s-%d%s", in.ExternalMessageID, n, mime.Extension())
		}
		ref, size, err := i.blobs.Put(ctx, name, bytes.NewReader(m.Data))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("attachment save failed")
			continue
		}
		if _, err := i.store.InsertAttachment(ctx, model.Attachment{
			ExternalReference: in.ExternalMessageID,
			FileName:          name,
			MimeType:          mimeType,
			Size:              size,
			BlobRef:           ref,
		}); err != nil {
			log.Warn().Err(err).Str("blob", ref).Msg("attachment record failed")
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// RenameChat records a group subject learned from the network.
func (i *Ingestor) RenameChat(ctx context.Context, externalID, name string) error {
	name = strings.TrimSpace(name)
	if externalID == "" || name == "" {
		return nil
	}
	return i.store.SetChatName(ctx, externalID, name)
}
