package inbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/inboxd/internal/model"
)

var errDown = errors.New("store down")

// memStore is an in-memory StagingStore + Records with per-method failure
// injection keyed by method name.
type memStore struct {
	mu           sync.Mutex
	staged       map[int64]model.StagedMessage
	chats        map[string]model.Chat
	contacts     map[string]model.Contact
	links        map[model.ContactLink]bool
	interactions map[string]model.Interaction // by external id
	attachments  map[string]model.Attachment
	markers      map[string]model.ChatDoneMarker
	spam         map[model.SpamKey]*model.SpamEntry
	fail         map[string]error
	calls        map[string]int
	afterList    func()
}

func newMemStore() *memStore {
	return &memStore{
		staged:       make(map[int64]model.StagedMessage),
		chats:        make(map[string]model.Chat),
		contacts:     make(map[string]model.Contact),
		links:        make(map[model.ContactLink]bool),
		interactions: make(map[string]model.Interaction),
		attachments:  make(map[string]model.Attachment),
		markers:      make(map[string]model.ChatDoneMarker),
		spam:         make(map[model.SpamKey]*model.SpamEntry),
		fail:         make(map[string]error),
		calls:        make(map[string]int),
	}
}

func (m *memStore) failOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[method] = err
}

func (m *memStore) enter(method string) error {
	m.calls[method]++
	return m.fail[method]
}

func (m *memStore) stage(msgs ...model.StagedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.Channel == "" {
			msg.Channel = model.DefaultChannel
		}
		m.staged[msg.ID] = msg
	}
}

func (m *memStore) ListStaged(_ context.Context, channel string) ([]model.StagedMessage, error) {
	m.mu.Lock()
	if err := m.enter("ListStaged"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make([]model.StagedMessage, 0, len(m.staged))
	for _, msg := range m.staged {
		if msg.Channel == channel {
			out = append(out, msg)
		}
	}
	hook := m.afterList
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) TransitionStatus(_ context.Context, ids []int64, from, to model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransitionStatus"); err != nil {
		return err
	}
	for _, id := range ids {
		msg, ok := m.staged[id]
		if !ok || msg.Status != from {
			return ErrLeaseHeld
		}
	}
	for _, id := range ids {
		msg := m.staged[id]
		msg.Status = to
		m.staged[id] = msg
	}
	return nil
}

func (m *memStore) SetStatus(_ context.Context, ids []int64, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetStatus"); err != nil {
		return err
	}
	for _, id := range ids {
		if msg, ok := m.staged[id]; ok {
			msg.Status = status
			m.staged[id] = msg
		}
	}
	return nil
}

func (m *memStore) DeleteStaged(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteStaged"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.staged, id)
	}
	return nil
}

func (m *memStore) stagedStatus(id int64) (model.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.staged[id]
	return msg.Status, ok
}

func (m *memStore) ChatByID(_ context.Context, id string) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ChatByID"); err != nil {
		return nil, err
	}
	if c, ok := m.chats[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) ChatByExternalID(_ context.Context, ext string) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ChatByExternalID"); err != nil {
		return nil, err
	}
	for _, c := range m.chats {
		if c.ExternalConversationID == ext {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) UnlinkedGroupChatByName(_ context.Context, name string) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UnlinkedGroupChatByName"); err != nil {
		return nil, err
	}
	for _, c := range m.chats {
		if c.IsGroup && c.ExternalConversationID == "" && c.DisplayName == name {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) LinkChatExternalID(_ context.Context, chatID, ext string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LinkChatExternalID"); err != nil {
		return false, err
	}
	c, ok := m.chats[chatID]
	if !ok || c.ExternalConversationID != "" {
		return false, nil
	}
	c.ExternalConversationID = ext
	m.chats[chatID] = c
	return true, nil
}

func (m *memStore) CreateChat(_ context.Context, chat model.Chat) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateChat"); err != nil {
		return nil, err
	}
	for _, c := range m.chats {
		if chat.ExternalConversationID != "" && c.ExternalConversationID == chat.ExternalConversationID {
			return &c, nil
		}
	}
	m.chats[chat.ID] = chat
	return &chat, nil
}

func (m *memStore) addContact(c model.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
}

func (m *memStore) ContactByID(_ context.Context, id string) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ContactByID"); err != nil {
		return nil, err
	}
	if c, ok := m.contacts[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) ContactByMobile(_ context.Context, normalized string) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ContactByMobile"); err != nil {
		return nil, err
	}
	for _, c := range m.contacts {
		for _, mob := range c.Mobiles {
			if strings.Contains(NormalizeIdentifier(mob.Mobile), normalized) {
				return &c, nil
			}
		}
	}
	return nil, nil
}

func (m *memStore) ContactsForChat(_ context.Context, chatID string) ([]model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ContactsForChat"); err != nil {
		return nil, err
	}
	var out []model.Contact
	for l := range m.links {
		if l.ChatID == chatID {
			out = append(out, m.contacts[l.ContactID])
		}
	}
	return out, nil
}

func (m *memStore) SearchContacts(_ context.Context, q string, limit int) ([]model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SearchContacts"); err != nil {
		return nil, err
	}
	var out []model.Contact
	q = strings.ToLower(q)
	for _, c := range m.contacts {
		if strings.Contains(strings.ToLower(c.FullName()), q) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpsertContactLink(_ context.Context, link model.ContactLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertContactLink"); err != nil {
		return err
	}
	m.links[link] = true
	return nil
}

func (m *memStore) AdvanceLastInteraction(_ context.Context, contactID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AdvanceLastInteraction"); err != nil {
		return false, err
	}
	c, ok := m.contacts[contactID]
	if !ok {
		return false, nil
	}
	if c.LastInteractionAt != nil && !c.LastInteractionAt.Before(at) {
		return false, nil
	}
	c.LastInteractionAt = &at
	m.contacts[contactID] = c
	return true, nil
}

func (m *memStore) InteractionByExternalID(_ context.Context, ext string) (*model.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InteractionByExternalID"); err != nil {
		return nil, err
	}
	if in, ok := m.interactions[ext]; ok {
		return &in, nil
	}
	return nil, nil
}

func (m *memStore) InsertInteraction(_ context.Context, in model.Interaction) (*model.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertInteraction"); err != nil {
		return nil, err
	}
	if existing, ok := m.interactions[in.ExternalMessageID]; ok {
		return &existing, nil
	}
	m.interactions[in.ExternalMessageID] = in
	return &in, nil
}

func (m *memStore) InteractionsForChat(_ context.Context, chatID string) ([]model.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InteractionsForChat"); err != nil {
		return nil, err
	}
	var out []model.Interaction
	for _, in := range m.interactions {
		if in.ChatID == chatID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (m *memStore) interactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.interactions)
}

func (m *memStore) addAttachment(a model.Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[a.ID] = a
}

func (m *memStore) AttachmentsByReference(_ context.Context, refs []string) ([]model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AttachmentsByReference"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(refs))
	for _, r := range refs {
		want[r] = true
	}
	var out []model.Attachment
	for _, a := range m.attachments {
		if want[a.ExternalReference] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) LinkAttachment(_ context.Context, id string, link model.AttachmentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LinkAttachment"); err != nil {
		return err
	}
	a := m.attachments[id]
	a.ChatID, a.ContactID, a.InteractionID = link.ChatID, link.ContactID, link.InteractionID
	m.attachments[id] = a
	return nil
}

func (m *memStore) DeleteAttachments(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteAttachments"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.attachments, id)
	}
	return nil
}

func (m *memStore) UpsertDoneMarker(_ context.Context, marker model.ChatDoneMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertDoneMarker"); err != nil {
		return err
	}
	m.markers[marker.ConversationID] = marker
	return nil
}

func (m *memStore) IncrementSpam(_ context.Context, key model.SpamKey) (*model.SpamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IncrementSpam"); err != nil {
		return nil, err
	}
	e, ok := m.spam[key]
	if !ok {
		e = &model.SpamEntry{Key: key}
		m.spam[key] = e
	}
	e.Counter++
	out := *e
	return &out, nil
}

func (m *memStore) SearchArchived(_ context.Context, q string, limit int) ([]model.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SearchArchived"); err != nil {
		return nil, err
	}
	var out []model.SearchResult
	seen := map[string]bool{}
	for _, in := range m.interactions {
		if strings.Contains(strings.ToLower(in.Summary), strings.ToLower(q)) && !seen[in.ChatID] {
			seen[in.ChatID] = true
			out = append(out, model.SearchResult{ChatID: in.ChatID, DisplayName: m.chats[in.ChatID].DisplayName, Snippet: in.Summary})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AvatarsByIdentifier(_ context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AvatarsByIdentifier"); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, k := range keys {
		for _, c := range m.contacts {
			for _, mob := range c.Mobiles {
				if NormalizeIdentifier(mob.Mobile) == k && c.AvatarURL != "" {
					out[k] = c.AvatarURL
				}
			}
		}
	}
	return out, nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (b *fakeBlobs) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[ref] {
		return errors.New("blob delete failed")
	}
	b.deleted = append(b.deleted, ref)
	return nil
}

type fakeWorker struct {
	archive func(ctx context.Context, conv Conversation) error
}

func (w *fakeWorker) Archive(ctx context.Context, conv Conversation) error {
	return w.archive(ctx, conv)
}

type fakeMessenger struct {
	sent   []string
	status BridgeStatus
	err    error
}

func (f *fakeMessenger) Send(_ context.Context, recipient, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, recipient+":"+body)
	return "wamid-1", nil
}

func (f *fakeMessenger) Status(context.Context) (BridgeStatus, error) {
	return f.status, f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}
	}
	return r.items[len(r.items)-1]
}

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id int64, conv, ext string, dir model.Direction, offset time.Duration) model.StagedMessage {
	return model.StagedMessage{
		ID:                id,
		Channel:           model.DefaultChannel,
		ConversationID:    conv,
		ExternalMessageID: ext,
		Direction:         dir,
		Body:              "body " + ext,
		Timestamp:         t0.Add(offset),
		Participant: model.ParticipantMeta{
			DisplayName: "Name " + conv,
			Identifier:  conv,
		},
	}
}
