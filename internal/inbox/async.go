package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// Pending tracks one in-flight async archive.
type Pending struct {
	ConversationID string

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newPending(id string) *Pending {
	return &Pending{ConversationID: id, state: StateActive, done: make(chan struct{})}
}

// Done is closed once the archive settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err is nil after success; valid once Done is closed.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pending) apply(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := p.state.Next(e)
	if err != nil {
		return err
	}
	p.state = next
	return nil
}

func (p *Pending) settle(e Event, err error) {
	if terr := p.apply(e); terr != nil && err == nil {
		err = terr
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// ArchiveAsync leases the conversation, marks it archiving locally, advances
// the selection and hands the workflow to the remote worker. The returned
// Pending settles when the worker answers; on failure the lease is rolled back.
func (s *Session) ArchiveAsync(ctx context.Context, conversationID string) (*Pending, error) {
	if s.worker == nil {
		return nil, errors.New("async archive: no worker configured")
	}
	conv, ok := s.list.Get(conversationID)
	if !ok {
		return nil, ErrUnknownConversation
	}
	if conv.Archiving() {
		return nil, ErrLeaseHeld
	}
	ids := conv.MessageIDs()

	if err := AcquireLease(ctx, s.staging, ids); err != nil {
		s.reportFailure(conv.ID, "archive", err)
		return nil, err
	}

	pending := newPending(conv.ID)
	_ = pending.apply(EventLeased)

	s.list.UpsertStatus(conv.ID, model.StatusArchiving)
	s.list.SelectNeighbor(conv.ID, NotArchiving)

	s.pendingMu.Lock()
	s.pending[conv.ID] = pending
	s.pendingMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, conv.ID)
			s.pendingMu.Unlock()
		}()
		s.settleAsync(conv, ids, pending)
	}()
	return pending, nil
}

func (s *Session) settleAsync(conv Conversation, ids []int64, pending *Pending) {
	log := s.log.With().Str("conversation", conv.ID).Logger()

	wctx, cancel := context.WithTimeout(context.Background(), s.workerTimeout)
	werr := s.worker.Archive(wctx, conv)
	cancel()

	if werr == nil {
		s.remove(conv.ID)
		s.metrics.ArchiveFinished("async", nil)
		s.notify(LevelSuccess, conv.ID, fmt.Sprintf("Archived %q", label(conv)))
		log.Info().Int("messages", len(ids)).Msg("async archive completed")
		pending.settle(EventWorkerOK, nil)
		return
	}

	werr = fmt.Errorf("%w: %w", ErrWorkerFailed, werr)
	s.metrics.ArchiveFinished("async", werr)
	log.Warn().Err(werr).Msg("async archive failed, rolling back lease")

	rctx, rcancel := context.WithTimeout(context.Background(), s.workerTimeout)
	rerr := ReleaseLease(rctx, s.staging, ids)
	rcancel()
	s.metrics.RollbackFinished(rerr)

	if rerr != nil {
		log.Error().Err(rerr).Msg("lease rollback failed")
		s.notify(LevelError, conv.ID, "Archiving failed and could not be undone. Please reload.")
		pending.settle(EventWorkerFailed, errors.Join(werr, ErrRollbackFailed, rerr))
		return
	}

	s.list.UpsertStatus(conv.ID, model.StatusNone)
	s.notify(LevelError, conv.ID, fmt.Sprintf("Archiving %q failed: %v", label(conv), werr))
	pending.settle(EventWorkerFailed, werr)
}

// PendingArchive returns the in-flight archive for a conversation, if any.
func (s *Session) PendingArchive(conversationID string) (*Pending, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[conversationID]
	return p, ok
}

// Wait blocks until every in-flight async archive settles or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func label(conv Conversation) string {
	if conv.DisplayName != "" {
		return conv.DisplayName
	}
	if conv.ParticipantIdentifier != "" {
		return conv.ParticipantIdentifier
	}
	return conv.ID
}

var defaultWorkerTimeout = 60 * time.Second
