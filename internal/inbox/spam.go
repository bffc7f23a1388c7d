package inbox

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const (
	StepSpamEntry        = "spam_entry"
	StepAttachmentLookup = "attachment_lookup"
	StepBlobDelete       = "blob_delete"
	StepAttachmentDelete = "attachment_delete"
)

// Discarder blocklists a conversation's sender and purges its staged data
// without creating durable records.
type Discarder struct {
	staging StagingStore
	records Records
	blobs   BlobStore
	log     zerolog.Logger
}

func NewDiscarder(staging StagingStore, records Records, blobs BlobStore, log zerolog.Logger) *Discarder {
	return &Discarder{staging: staging, records: records, blobs: blobs, log: log}
}

// SpamKeyFor returns the blocklist key of a conversation. Group and phone
// keys live in separate key spaces.
func SpamKeyFor(conv Conversation) model.SpamKey {
	if conv.IsGroup {
		return model.SpamKey{Kind: model.SpamGroup, Identifier: strings.TrimSpace(conv.ID)}
	}
	id := NormalizeIdentifier(conv.ParticipantIdentifier)
	if id == "" {
		id = NormalizeIdentifier(conv.ID)
	}
	return model.SpamKey{Kind: model.SpamPhone, Identifier: id}
}

func (d *Discarder) Discard(ctx context.Context, conv Conversation) (*Report, error) {
	report := newReport(conv.ID)
	if len(conv.Messages) == 0 {
		return report, ErrEmptyConversation
	}
	log := d.log.With().Str("conversation", conv.ID).Logger()

	key := SpamKeyFor(conv)
	entry, err := d.records.IncrementSpam(ctx, key)
	if err != nil {
		return report, report.hard(StepSpamEntry, err)
	}
	report.ok(StepSpamEntry)

	atts, err := d.records.AttachmentsByReference(ctx, conv.ExternalIDs())
	if err != nil {
		return report, report.hard(StepAttachmentLookup, err)
	}
	report.ok(StepAttachmentLookup)

	ids := make([]string, 0, len(atts))
	blobFailed := false
	for _, att := range atts {
		ids = append(ids, att.ID)
		if att.BlobRef == "" || d.blobs == nil {
			continue
		}
		if err := d.blobs.Delete(ctx, att.BlobRef); err != nil {
			log.Warn().Err(err).Str("attachment", att.ID).Str("blob", att.BlobRef).Msg("blob delete failed")
			report.soft(StepBlobDelete, err)
			blobFailed = true
		}
	}
	if !blobFailed {
		report.ok(StepBlobDelete)
	}

	if err := d.records.DeleteAttachments(ctx, ids); err != nil {
		return report, report.hard(StepAttachmentDelete, err)
	}
	report.ok(StepAttachmentDelete)

	if err := d.staging.DeleteStaged(ctx, conv.MessageIDs()); err != nil {
		return report, report.hard(StepDeleteStaging, err)
	}
	report.ok(StepDeleteStaging)

	log.Info().Str("key", key.String()).Int("counter", entry.Counter).Int("attachments", len(ids)).Msg("conversation discarded as spam")
	return report, nil
}
