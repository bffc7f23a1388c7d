package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const (
	MinContactQuery    = 2
	contactSearchLimit = 20
)

// Options wires a Session. Staging and Records are required.
type Options struct {
	Channel       string
	Staging       StagingStore
	Records       Records
	Blobs         BlobStore
	Avatars       AvatarSource
	Worker        ArchiveWorker
	Messenger     Messenger
	Notifier      Notifier
	Metrics       Recorder
	SearchLimit   int
	WorkerTimeout time.Duration
	Logger        zerolog.Logger
}

// Session is the UI-facing facade: one logical user session over the
// conversation list and the orchestrators.
type Session struct {
	channel   string
	staging   StagingStore
	records   Records
	avatars   AvatarSource
	worker    ArchiveWorker
	messenger Messenger
	notifier  Notifier
	metrics   Recorder
	log       zerolog.Logger

	archiver  *Archiver
	discarder *Discarder
	searcher  *Searcher
	list      *List

	workerTimeout time.Duration

	bridgeMu sync.RWMutex
	bridge   BridgeStatus

	pendingMu sync.Mutex
	pending   map[string]*Pending
	wg        sync.WaitGroup

	// removals records, per conversation, the sequence number of the last
	// settled archive or spam so a refresh that read staging earlier cannot
	// resurrect it.
	removalsMu sync.Mutex
	removalSeq uint64
	removals   map[string]uint64
}

func NewSession(opts Options) *Session {
	if opts.Channel == "" {
		opts.Channel = model.DefaultChannel
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = defaultWorkerTimeout
	}
	log := opts.Logger.With().Str("component", "inbox").Logger()
	return &Session{
		channel:       opts.Channel,
		staging:       opts.Staging,
		records:       opts.Records,
		avatars:       opts.Avatars,
		worker:        opts.Worker,
		messenger:     opts.Messenger,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		log:           log,
		archiver:      NewArchiver(opts.Staging, opts.Records, log),
		discarder:     NewDiscarder(opts.Staging, opts.Records, opts.Blobs, log),
		searcher:      NewSearcher(opts.Records, opts.SearchLimit),
		list:          NewList(),
		workerTimeout: opts.WorkerTimeout,
		bridge:        BridgeStatus{State: BridgeDisconnected},
		pending:       make(map[string]*Pending),
		removals:      make(map[string]uint64),
	}
}

// List exposes the owned conversation list.
func (s *Session) List() *List { return s.list }

// Refresh re-reads staging, regroups and replaces the conversation list.
func (s *Session) Refresh(ctx context.Context) ([]Conversation, error) {
	mark := s.removalMark()
	msgs, err := s.staging.ListStaged(ctx, s.channel)
	if err != nil {
		err = storeErr("list staged", err)
		s.log.Error().Err(err).Msg("refresh failed")
		return nil, err
	}
	convs := Enrich(ctx, s.dropRemoved(Group(msgs), mark), s.avatars, s.log)
	s.list.Replace(convs)
	s.metrics.StagedConversations(len(convs))
	return convs, nil
}

func (s *Session) Conversations() []Conversation {
	return s.list.Snapshot()
}

func (s *Session) Select(id string) error {
	if !s.list.Select(id) {
		return ErrUnknownConversation
	}
	return nil
}

// Archive runs the synchronous workflow under a lease, then drops the
// conversation from the list and selects its neighbor.
func (s *Session) Archive(ctx context.Context, conversationID string) (*Report, error) {
	conv, err := s.leasable(conversationID)
	if err != nil {
		return nil, err
	}

	var report *Report
	err = withLease(ctx, s.staging, conv.MessageIDs(), func() error {
		var aerr error
		report, aerr = s.archiver.Archive(ctx, conv)
		return aerr
	})
	s.metrics.ArchiveFinished("sync", err)
	if err != nil {
		s.reportFailure(conv.ID, "archive", err)
		return report, err
	}

	s.remove(conv.ID)
	s.notify(LevelSuccess, conv.ID, fmt.Sprintf("Archived %q", label(conv)))
	return report, nil
}

// Spam blocklists the conversation's sender and purges it.
func (s *Session) Spam(ctx context.Context, conversationID string) (*Report, error) {
	conv, err := s.leasable(conversationID)
	if err != nil {
		return nil, err
	}

	var report *Report
	err = withLease(ctx, s.staging, conv.MessageIDs(), func() error {
		var derr error
		report, derr = s.discarder.Discard(ctx, conv)
		return derr
	})
	if err != nil {
		s.reportFailure(conv.ID, "spam", err)
		return report, err
	}

	s.metrics.SpamMarked(SpamKeyFor(conv).Kind)
	s.remove(conv.ID)
	s.notify(LevelSuccess, conv.ID, fmt.Sprintf("Marked %q as spam", label(conv)))
	return report, nil
}

// remove drops a settled conversation from the list and selects its neighbor.
func (s *Session) remove(id string) {
	s.removalsMu.Lock()
	s.removalSeq++
	s.removals[id] = s.removalSeq
	s.removalsMu.Unlock()
	s.list.Remove(id, NotArchiving)
}

func (s *Session) removalMark() uint64 {
	s.removalsMu.Lock()
	defer s.removalsMu.Unlock()
	return s.removalSeq
}

// dropRemoved filters conversations still leased in a staging read taken
// before their archive settled.
func (s *Session) dropRemoved(convs []Conversation, mark uint64) []Conversation {
	s.removalsMu.Lock()
	defer s.removalsMu.Unlock()
	out := convs[:0]
	for _, c := range convs {
		if c.Archiving() && s.removals[c.ID] > mark {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Session) leasable(conversationID string) (Conversation, error) {
	conv, ok := s.list.Get(conversationID)
	if !ok {
		return Conversation{}, ErrUnknownConversation
	}
	if conv.Archiving() {
		return Conversation{}, ErrLeaseHeld
	}
	if len(conv.Messages) == 0 {
		return Conversation{}, ErrEmptyConversation
	}
	return conv, nil
}

// Send delivers a new outbound message through the bridge.
func (s *Session) Send(ctx context.Context, recipient, body string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	body = strings.TrimSpace(body)
	if recipient == "" || body == "" {
		return "", errors.New("recipient and body are required")
	}
	if s.messenger == nil {
		return "", errors.New("send: no bridge configured")
	}
	id, err := s.messenger.Send(ctx, recipient, body)
	if err != nil {
		s.log.Warn().Err(err).Str("recipient", recipient).Msg("send failed")
		s.notify(LevelError, "", fmt.Sprintf("Sending failed: %v", err))
		return "", err
	}
	s.notify(LevelSuccess, "", "Message sent")
	return id, nil
}

// SearchContacts backs the new-message picker: contacts with a phone whose
// name or number matches q.
func (s *Session) SearchContacts(ctx context.Context, q string) ([]model.Contact, error) {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < MinContactQuery {
		return nil, ErrQueryTooShort
	}
	contacts, err := s.records.SearchContacts(ctx, q, contactSearchLimit)
	if err != nil {
		return nil, storeErr("search contacts", err)
	}
	out := contacts[:0]
	for _, c := range contacts {
		if c.PrimaryMobile() != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Session) Search(ctx context.Context, q string, limit int) ([]model.SearchResult, error) {
	return s.searcher.Search(ctx, q, limit)
}

func (s *Session) LoadArchived(ctx context.Context, chatID string) (*ArchivedConversation, error) {
	return s.searcher.Load(ctx, chatID)
}

// CheckBridge polls the bridge and caches the result. A failed poll is cached
// as disconnected.
func (s *Session) CheckBridge(ctx context.Context) BridgeStatus {
	status := BridgeStatus{State: BridgeDisconnected}
	if s.messenger != nil {
		st, err := s.messenger.Status(ctx)
		if err != nil {
			status.Error = err.Error()
			s.log.Debug().Err(err).Msg("bridge status check failed")
		} else {
			status = st
		}
	}
	status.CheckedAt = time.Now()

	s.bridgeMu.Lock()
	s.bridge = status
	s.bridgeMu.Unlock()
	return status
}

func (s *Session) BridgeStatus() BridgeStatus {
	s.bridgeMu.RLock()
	defer s.bridgeMu.RUnlock()
	return s.bridge
}

func (s *Session) notify(level Level, conversationID, text string) {
	s.notifier.Notify(Notification{Level: level, Text: text, ConversationID: conversationID, At: time.Now()})
}

func (s *Session) reportFailure(conversationID, action string, err error) {
	switch {
	case errors.Is(err, ErrRollbackFailed):
		s.log.Error().Err(err).Str("conversation", conversationID).Str("action", action).Msg("rollback failed")
		s.notify(LevelError, conversationID, "The operation failed and could not be undone. Please reload.")
	case errors.Is(err, ErrLeaseHeld):
		s.notify(LevelInfo, conversationID, "This conversation is already being archived.")
	default:
		s.log.Error().Err(err).Str("conversation", conversationID).Str("action", action).Msg("operation failed")
		s.notify(LevelError, conversationID, fmt.Sprintf("The %s action failed: %v", action, err))
	}
}
