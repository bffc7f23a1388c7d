package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxd/internal/model"
)

type countingRecorder struct {
	mu        sync.Mutex
	archives  map[string]int
	failures  int
	rollbacks int
	spam      int
	staged    int
}

func (r *countingRecorder) ArchiveFinished(mode string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archives == nil {
		r.archives = map[string]int{}
	}
	r.archives[mode]++
	if err != nil {
		r.failures++
	}
}

func (r *countingRecorder) RollbackFinished(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks++
}

func (r *countingRecorder) SpamMarked(model.SpamKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spam++
}

func (r *countingRecorder) StagedConversations(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = n
}

type sessionFixture struct {
	store    *memStore
	notes    *recordingNotifier
	metrics  *countingRecorder
	worker   *fakeWorker
	bridge   *fakeMessenger
	session  *Session
	archiver *Archiver
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		store:   newMemStore(),
		notes:   &recordingNotifier{},
		metrics: &countingRecorder{},
		bridge:  &fakeMessenger{status: BridgeStatus{State: BridgeConnected}},
	}
	f.archiver = NewArchiver(f.store, f.store, zerolog.Nop())
	// the default worker runs the real workflow against the same store
	f.worker = &fakeWorker{archive: func(ctx context.Context, conv Conversation) error {
		_, err := f.archiver.Archive(ctx, conv)
		return err
	}}
	f.session = NewSession(Options{
		Staging:       f.store,
		Records:       f.store,
		Blobs:         &fakeBlobs{},
		Avatars:       f.store,
		Worker:        f.worker,
		Messenger:     f.bridge,
		Notifier:      f.notes,
		Metrics:       f.metrics,
		WorkerTimeout: time.Second,
		Logger:        zerolog.Nop(),
	})

	f.store.stage(
		msg(1, "a", "a1", model.DirectionReceived, 3*time.Minute),
		msg(2, "b", "b1", model.DirectionReceived, 2*time.Minute),
		msg(3, "b", "b2", model.DirectionSent, 2*time.Minute+time.Second),
		msg(4, "c", "c1", model.DirectionReceived, time.Minute),
	)
	_, err := f.session.Refresh(context.Background())
	require.NoError(t, err)
	return f
}

func ids(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestSession_Refresh(t *testing.T) {
	f := newSessionFixture(t)
	assert.Equal(t, []string{"a", "b", "c"}, ids(f.session.Conversations()))
	assert.Equal(t, 3, f.metrics.staged)

	f.store.failOn("ListStaged", errDown)
	_, err := f.session.Refresh(context.Background())
	assert.True(t, IsStoreError(err))
	assert.Len(t, f.session.Conversations(), 3, "a failed refresh keeps the last list")
}

func TestSession_ArchiveSync(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Select("b"))

	report, err := f.session.Archive(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, []string{"a", "c"}, ids(f.session.Conversations()))
	sel, ok := f.session.List().Selected()
	require.True(t, ok)
	assert.Equal(t, "c", sel.ID)
	assert.Equal(t, LevelSuccess, f.notes.last().Level)
	assert.Equal(t, 1, f.metrics.archives["sync"])
}

func TestSession_ArchiveSyncFailureReleasesLease(t *testing.T) {
	f := newSessionFixture(t)
	f.store.failOn("CreateChat", errDown)

	_, err := f.session.Archive(context.Background(), "a")
	require.Error(t, err)
	status, ok := f.store.stagedStatus(1)
	require.True(t, ok)
	assert.Equal(t, model.StatusNone, status)
	assert.Len(t, f.session.Conversations(), 3)
	assert.Equal(t, LevelError, f.notes.last().Level)
}

func TestSession_ArchiveRollbackFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.store.failOn("CreateChat", errDown)
	f.store.failOn("SetStatus", errDown)

	_, err := f.session.Archive(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Contains(t, f.notes.last().Text, "reload")
}

func TestSession_ArchiveUnknown(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.Archive(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestSession_ArchiveAsyncSuccess(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Select("a"))

	release := make(chan struct{})
	inner := f.worker.archive
	f.worker.archive = func(ctx context.Context, conv Conversation) error {
		<-release
		return inner(ctx, conv)
	}

	p, err := f.session.ArchiveAsync(context.Background(), "a")
	require.NoError(t, err)

	// optimistic state is visible before the worker answers
	conv, ok := f.session.List().Get("a")
	require.True(t, ok)
	assert.True(t, conv.Archiving())
	sel, _ := f.session.List().Selected()
	assert.Equal(t, "b", sel.ID)
	status, _ := f.store.stagedStatus(1)
	assert.Equal(t, model.StatusArchiving, status)
	_, pendingOK := f.session.PendingArchive("a")
	assert.True(t, pendingOK)

	close(release)
	waitDone(t, p)
	require.NoError(t, p.Err())
	assert.Equal(t, StateArchived, p.State())
	_, ok = f.session.List().Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, f.store.interactionCount())
}

func TestSession_RefreshDoesNotResurrectSettledArchive(t *testing.T) {
	f := newSessionFixture(t)

	release := make(chan struct{})
	inner := f.worker.archive
	f.worker.archive = func(ctx context.Context, conv Conversation) error {
		<-release
		return inner(ctx, conv)
	}
	p, err := f.session.ArchiveAsync(context.Background(), "a")
	require.NoError(t, err)

	// the refresh reads staging while "a" is still leased, then stalls
	read := make(chan struct{})
	resume := make(chan struct{})
	f.store.mu.Lock()
	f.store.afterList = func() {
		close(read)
		<-resume
	}
	f.store.mu.Unlock()

	refreshed := make(chan error, 1)
	go func() {
		_, rerr := f.session.Refresh(context.Background())
		refreshed <- rerr
	}()
	<-read

	close(release)
	waitDone(t, p)
	require.NoError(t, p.Err())

	close(resume)
	require.NoError(t, <-refreshed)

	_, ok := f.session.List().Get("a")
	assert.False(t, ok, "stale staging read must not bring back an archived conversation")
	assert.Equal(t, []string{"b", "c"}, ids(f.session.Conversations()))
}

func TestSession_ArchiveAsyncRollback(t *testing.T) {
	f := newSessionFixture(t)
	f.worker.archive = func(context.Context, Conversation) error {
		return errors.New("worker returned 500")
	}

	p, err := f.session.ArchiveAsync(context.Background(), "b")
	require.NoError(t, err)
	waitDone(t, p)

	assert.ErrorIs(t, p.Err(), ErrWorkerFailed)
	assert.Equal(t, StateActive, p.State())
	for _, id := range []int64{2, 3} {
		status, ok := f.store.stagedStatus(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusNone, status)
	}
	conv, ok := f.session.List().Get("b")
	require.True(t, ok)
	assert.False(t, conv.Archiving())

	// the rolled back conversation reappears on the next refresh with all messages
	_, err = f.session.Refresh(context.Background())
	require.NoError(t, err)
	conv, ok = f.session.List().Get("b")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, 1, f.metrics.rollbacks)
}

func TestSession_ArchiveAsyncRollbackFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.worker.archive = func(context.Context, Conversation) error { return errors.New("timeout") }
	f.store.failOn("SetStatus", errDown)

	p, err := f.session.ArchiveAsync(context.Background(), "c")
	require.NoError(t, err)
	waitDone(t, p)

	assert.ErrorIs(t, p.Err(), ErrRollbackFailed)
	assert.Equal(t, LevelError, f.notes.last().Level)
	assert.Contains(t, f.notes.last().Text, "reload")
}

func TestSession_LeasePreventsDoubleArchive(t *testing.T) {
	f := newSessionFixture(t)
	other := NewSession(Options{Staging: f.store, Records: f.store, Worker: f.worker, Logger: zerolog.Nop()})
	_, err := other.Refresh(context.Background())
	require.NoError(t, err)

	release := make(chan struct{})
	inner := f.worker.archive
	f.worker.archive = func(ctx context.Context, conv Conversation) error {
		<-release
		return inner(ctx, conv)
	}

	p, err := f.session.ArchiveAsync(context.Background(), "a")
	require.NoError(t, err)

	// the second session still shows "a" as active but the store lease wins
	_, err = other.ArchiveAsync(context.Background(), "a")
	assert.ErrorIs(t, err, ErrLeaseHeld)
	_, err = other.Archive(context.Background(), "a")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	close(release)
	waitDone(t, p)
	require.NoError(t, p.Err())
	assert.Equal(t, 1, f.store.interactionCount())
}

func TestSession_Spam(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Select("c"))

	_, err := f.session.Spam(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(f.session.Conversations()))
	sel, _ := f.session.List().Selected()
	assert.Equal(t, "b", sel.ID)
	assert.Equal(t, 1, f.metrics.spam)
	assert.Equal(t, 1, f.store.spam[model.SpamKey{Kind: model.SpamPhone, Identifier: "c"}].Counter)
}

func TestSession_Send(t *testing.T) {
	f := newSessionFixture(t)
	id, err := f.session.Send(context.Background(), "+15550001111", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", id)
	assert.Equal(t, []string{"+15550001111:hello"}, f.bridge.sent)

	_, err = f.session.Send(context.Background(), "", "hello")
	assert.Error(t, err)
}

func TestSession_SearchContacts(t *testing.T) {
	f := newSessionFixture(t)
	f.store.addContact(model.Contact{ID: "1", FirstName: "Maria", Mobiles: []model.ContactMobile{{Mobile: "555"}}})
	f.store.addContact(model.Contact{ID: "2", FirstName: "Mario"})

	_, err := f.session.SearchContacts(context.Background(), "m")
	assert.ErrorIs(t, err, ErrQueryTooShort)

	got, err := f.session.SearchContacts(context.Background(), "mar")
	require.NoError(t, err)
	require.Len(t, got, 1, "contacts without a phone are dropped")
	assert.Equal(t, "1", got[0].ID)
}

func TestSession_CheckBridge(t *testing.T) {
	f := newSessionFixture(t)
	assert.Equal(t, BridgeDisconnected, f.session.BridgeStatus().State)

	st := f.session.CheckBridge(context.Background())
	assert.Equal(t, BridgeConnected, st.State)
	assert.Equal(t, BridgeConnected, f.session.BridgeStatus().State)

	f.bridge.err = errors.New("connection refused")
	st = f.session.CheckBridge(context.Background())
	assert.Equal(t, BridgeDisconnected, st.State)
	assert.Contains(t, st.Error, "refused")
}

func waitDone(t *testing.T, p *Pending) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending archive did not settle")
	}
}
