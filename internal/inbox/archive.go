package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// Archive step names, in execution order.
const (
	StepResolveChat     = "resolve_chat"
	StepResolveContact  = "resolve_contact"
	StepLinkContact     = "link_contact"
	StepInteractions    = "interactions"
	StepAttachments     = "attachments"
	StepLastInteraction = "last_interaction"
	StepDeleteStaging   = "delete_staging"
	StepDoneMarker      = "done_marker"
)

// InteractionKind is stored on every interaction created from chat messages.
const InteractionKind = "whatsapp"

// Archiver converts a conversation's staged messages into durable records and
// removes them from staging. Every step is idempotent, so a failed run can be
// retried in full.
type Archiver struct {
	staging  StagingStore
	records  Records
	resolver *Resolver
	log      zerolog.Logger
	now      func() time.Time
}

func NewArchiver(staging StagingStore, records Records, log zerolog.Logger) *Archiver {
	return &Archiver{
		staging:  staging,
		records:  records,
		resolver: NewResolver(records, records),
		log:      log,
		now:      time.Now,
	}
}

// Archive runs the workflow for conv. The returned report is non-nil even on
// error and records which steps ran.
func (a *Archiver) Archive(ctx context.Context, conv Conversation) (*Report, error) {
	report := newReport(conv.ID)
	if len(conv.Messages) == 0 {
		return report, ErrEmptyConversation
	}
	log := a.log.With().Str("conversation", conv.ID).Logger()
	msgs := sortedMessages(conv.Messages)

	chat, err := a.resolver.ResolveChat(ctx, conv)
	if err != nil {
		return report, report.hard(StepResolveChat, err)
	}
	report.ChatID = chat.ID
	report.ok(StepResolveChat)

	contact, err := a.resolver.ResolveContact(ctx, conv)
	if err != nil {
		return report, report.hard(StepResolveContact, err)
	}
	report.ok(StepResolveContact)
	if contact != nil {
		report.ContactID = contact.ID
		if err := a.records.UpsertContactLink(ctx, model.ContactLink{ContactID: contact.ID, ChatID: chat.ID}); err != nil {
			return report, report.hard(StepLinkContact, err)
		}
		report.ok(StepLinkContact)
	}

	for _, m := range msgs {
		id, created, err := a.ensureInteraction(ctx, m, chat.ID, report.ContactID)
		if err != nil {
			return report, report.hard(StepInteractions, err)
		}
		report.InteractionIDs[m.ExternalMessageID] = id
		if created {
			report.Created++
		}
	}
	report.ok(StepInteractions)

	a.linkAttachments(ctx, log, report)

	if contact != nil {
		latest := msgs[len(msgs)-1].Timestamp
		if _, err := a.records.AdvanceLastInteraction(ctx, contact.ID, latest); err != nil {
			return report, report.hard(StepLastInteraction, err)
		}
		report.ok(StepLastInteraction)
	}

	if err := a.staging.DeleteStaged(ctx, conv.MessageIDs()); err != nil {
		return report, report.hard(StepDeleteStaging, err)
	}
	report.ok(StepDeleteStaging)

	last := msgs[len(msgs)-1]
	marker := model.ChatDoneMarker{
		ConversationID:        conv.ID,
		ChatID:                chat.ID,
		DoneAt:                a.now(),
		LastMessageExternalID: last.ExternalMessageID,
		LastMessageAt:         last.Timestamp,
	}
	if err := a.records.UpsertDoneMarker(ctx, marker); err != nil {
		log.Warn().Err(err).Str("chat", chat.ID).Msg("done marker upsert failed")
		report.soft(StepDoneMarker, err)
	} else {
		report.ok(StepDoneMarker)
	}

	log.Info().
		Str("chat", chat.ID).
		Str("contact", report.ContactID).
		Int("messages", len(msgs)).
		Int("created", report.Created).
		Msg("conversation archived")
	return report, nil
}

func (a *Archiver) ensureInteraction(ctx context.Context, m model.StagedMessage, chatID, contactID string) (string, bool, error) {
	existing, err := a.records.InteractionByExternalID(ctx, m.ExternalMessageID)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}
	in := model.Interaction{
		ID:                uuid.NewString(),
		ExternalMessageID: m.ExternalMessageID,
		Kind:              InteractionKind,
		Direction:         m.Direction,
		OccurredAt:        m.Timestamp,
		Summary:           m.Body,
		ChatID:            chatID,
		ContactID:         contactID,
		CreatedAt:         a.now(),
	}
	stored, err := a.records.InsertInteraction(ctx, in)
	if err != nil {
		return "", false, err
	}
	return stored.ID, stored.ID == in.ID, nil
}

// linkAttachments points attachment rows at the resolved records. Every
// failure is soft.
func (a *Archiver) linkAttachments(ctx context.Context, log zerolog.Logger, report *Report) {
	refs := make([]string, 0, len(report.InteractionIDs))
	for ext := range report.InteractionIDs {
		refs = append(refs, ext)
	}
	atts, err := a.records.AttachmentsByReference(ctx, refs)
	if err != nil {
		log.Warn().Err(err).Msg("attachment lookup failed")
		report.soft(StepAttachments, err)
		return
	}
	failed := false
	for _, att := range atts {
		link := model.AttachmentLink{
			ChatID:        report.ChatID,
			ContactID:     report.ContactID,
			InteractionID: report.InteractionIDs[att.ExternalReference],
		}
		if err := a.records.LinkAttachment(ctx, att.ID, link); err != nil {
			log.Warn().Err(err).Str("attachment", att.ID).Str("message", att.ExternalReference).Msg("attachment link failed")
			report.soft(StepAttachments, err)
			failed = true
		}
	}
	if !failed {
		report.ok(StepAttachments)
	}
}
