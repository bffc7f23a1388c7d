package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxd/internal/model"
)

func TestResolveChat_ExistingByExternalID(t *testing.T) {
	st := newMemStore()
	st.chats["c1"] = model.Chat{ID: "c1", ExternalConversationID: "ext-1", DisplayName: "Alice"}
	r := NewResolver(st, st)

	chat, err := r.ResolveChat(context.Background(), Conversation{ID: "ext-1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", chat.ID)
	assert.Zero(t, st.calls["CreateChat"])
}

func TestResolveChat_GroupBackfillOnce(t *testing.T) {
	st := newMemStore()
	st.chats["local"] = model.Chat{ID: "local", DisplayName: "Deal Team", IsGroup: true, Category: model.CategoryGroup}
	r := NewResolver(st, st)
	conv := Conversation{ID: "abc", DisplayName: "Deal Team", IsGroup: true}

	chat, err := r.ResolveChat(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, "local", chat.ID)
	assert.Equal(t, "abc", st.chats["local"].ExternalConversationID)
	assert.Len(t, st.chats, 1)

	// a different external id with the same name must not relink or overwrite
	other, err := r.ResolveChat(context.Background(), Conversation{ID: "xyz", DisplayName: "Deal Team", IsGroup: true})
	require.NoError(t, err)
	assert.NotEqual(t, "local", other.ID)
	assert.Equal(t, "abc", st.chats["local"].ExternalConversationID)
	assert.Equal(t, 1, st.calls["LinkChatExternalID"])
}

func TestResolveChat_NameMatchIgnoredForOneToOne(t *testing.T) {
	st := newMemStore()
	st.chats["local"] = model.Chat{ID: "local", DisplayName: "Bob", IsGroup: true}
	r := NewResolver(st, st)

	chat, err := r.ResolveChat(context.Background(), Conversation{ID: "555", DisplayName: "Bob"})
	require.NoError(t, err)
	assert.NotEqual(t, "local", chat.ID)
	assert.Equal(t, model.CategoryIndividual, chat.Category)
	assert.Zero(t, st.calls["UnlinkedGroupChatByName"])
}

func TestResolveChat_CreatesWithMetadata(t *testing.T) {
	st := newMemStore()
	r := NewResolver(st, st)

	chat, err := r.ResolveChat(context.Background(), Conversation{ID: "g-1", DisplayName: "Ops", IsGroup: true, ChatJID: "g-1@g.us"})
	require.NoError(t, err)
	assert.Equal(t, "g-1", chat.ExternalConversationID)
	assert.Equal(t, model.CategoryGroup, chat.Category)
	assert.Equal(t, "g-1@g.us", chat.BridgeJID)
	assert.NotEmpty(t, chat.ID)
}

func TestResolveChat_LookupFailureIsStoreError(t *testing.T) {
	st := newMemStore()
	st.failOn("ChatByExternalID", errDown)
	r := NewResolver(st, st)

	_, err := r.ResolveChat(context.Background(), Conversation{ID: "x"})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.ErrorIs(t, err, errDown)
}

func TestResolveContact(t *testing.T) {
	st := newMemStore()
	st.addContact(model.Contact{ID: "p1", FirstName: "Ana", Mobiles: []model.ContactMobile{{Mobile: "+1 555 000 1111", IsPrimary: true}}})
	r := NewResolver(st, st)
	ctx := context.Background()

	c, err := r.ResolveContact(ctx, Conversation{ID: "x", ParticipantIdentifier: "001-555-000-1111"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "p1", c.ID)

	c, err = r.ResolveContact(ctx, Conversation{ID: "x", ParticipantIdentifier: "999"})
	require.NoError(t, err)
	assert.Nil(t, c, "no match is not an error")

	c, err = r.ResolveContact(ctx, Conversation{ID: "g", ParticipantIdentifier: "15550001111", IsGroup: true})
	require.NoError(t, err)
	assert.Nil(t, c, "groups never resolve a contact")

	c, err = r.ResolveContact(ctx, Conversation{ID: "x"})
	require.NoError(t, err)
	assert.Nil(t, c)
}
