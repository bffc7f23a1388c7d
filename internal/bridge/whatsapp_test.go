package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"
)

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func newTestWhatsApp(ing *Ingestor, allow ...string) *WhatsApp {
	return &WhatsApp{
		ingestor:   ing,
		log:        zerolog.Nop(),
		state:      inbox.BridgeDisconnected,
		groupNames: make(map[string]string),
		allow:      allowSet(allow),
	}
}

func textEvent(chat, sender types.JID, id string, fromMe bool) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   sender,
				IsFromMe: fromMe,
				IsGroup:  chat.Server == types.GroupServer,
			},
			ID:        types.MessageID(id),
			PushName:  "Ana",
			Timestamp: t0,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}
}

func TestWhatsApp_ToIncoming(t *testing.T) {
	w := newTestWhatsApp(nil)
	ana := types.NewJID("5511912345678", types.DefaultUserServer)

	in, ok := w.toIncoming(textEvent(ana, ana, "m1", false))
	if !ok {
		t.Fatal("expected direct message to map")
	}
	if in.ConversationID != "5511912345678" || in.Participant.Identifier != "5511912345678" {
		t.Errorf("unexpected ids: %+v", in)
	}
	if in.Direction != model.DirectionReceived || in.Participant.DisplayName != "Ana" {
		t.Errorf("unexpected direction/name: %+v", in)
	}
	if in.Participant.ChatJID != "5511912345678@s.whatsapp.net" {
		t.Errorf("chat jid = %q", in.Participant.ChatJID)
	}

	out, _ := w.toIncoming(textEvent(ana, types.NewJID("1999", types.DefaultUserServer), "m2", true))
	if out.Direction != model.DirectionSent || out.Participant.DisplayName != "" {
		t.Errorf("own message should be sent without push name: %+v", out)
	}

	group := types.NewJID("120363025246125244", types.GroupServer)
	w.groupNames[group.User] = "Deal Team"
	g, _ := w.toIncoming(textEvent(group, ana, "m3", false))
	if !g.Participant.IsGroup || g.Participant.DisplayName != "Deal Team" || g.Participant.Identifier != "" {
		t.Errorf("unexpected group mapping: %+v", g)
	}

	if _, ok := w.toIncoming(textEvent(types.StatusBroadcastJID, ana, "m4", false)); ok {
		t.Error("status broadcasts must be skipped")
	}
}

func TestWhatsApp_HandleMessageStages(t *testing.T) {
	ing, engine := newIngestEnv(t)
	w := newTestWhatsApp(ing, "+55 11 91234-5678")
	ana := types.NewJID("5511912345678", types.DefaultUserServer)
	bob := types.NewJID("4915112345678", types.DefaultUserServer)

	w.handleEvent(textEvent(ana, ana, "m1", false))
	w.handleEvent(textEvent(bob, bob, "m2", false))
	w.handleEvent(textEvent(bob, bob, "m3", true))

	staged, err := engine.ListStaged(t.Context(), model.DefaultChannel)
	if err != nil {
		t.Fatalf("ListStaged error: %v", err)
	}
	got := make([]string, 0, len(staged))
	for _, m := range staged {
		got = append(got, m.ExternalMessageID)
	}
	if strings.Join(got, ",") != "m1,m3" {
		t.Errorf("staged = %v, want m1 and own m3 only", got)
	}
}

func TestWhatsApp_ConnectionEvents(t *testing.T) {
	w := newTestWhatsApp(nil)
	w.handleEvent(&events.Connected{})
	if st := w.Status(); st.State != inbox.BridgeConnected {
		t.Errorf("state = %q", st.State)
	}
	w.handleEvent(&events.LoggedOut{})
	if st := w.Status(); st.State != inbox.BridgeDisconnected || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestWhatsApp_GroupNames(t *testing.T) {
	ing, _ := newIngestEnv(t)
	w := newTestWhatsApp(ing)
	group := types.NewJID("1203", types.GroupServer)
	w.handleEvent(&events.GroupInfo{JID: group, Name: &types.GroupName{Name: "Board"}, Timestamp: time.Now()})
	if got := w.groupName(group); got != "Board" {
		t.Errorf("group name = %q", got)
	}
}

func TestMessageText(t *testing.T) {
	cases := []struct {
		msg  *waE2E.Message
		want string
	}{
		{&waE2E.Message{Conversation: proto.String(" hi ")}, "hi"},
		{&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}, "link"},
		{&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}, "pic"},
		{&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("q3.pdf")}}, "q3.pdf"},
		{&waE2E.Message{}, ""},
	}
	for _, c := range cases {
		if got := messageText(c.msg); got != c.want {
			t.Errorf("messageText = %q, want %q", got, c.want)
		}
	}
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+55 11 91234-5678")
	if err != nil {
		t.Fatalf("parseJID error: %v", err)
	}
	if jid.String() != "5511912345678@s.whatsapp.net" {
		t.Errorf("jid = %s", jid)
	}
	jid, err = parseJID("120363025246125244@g.us")
	if err != nil || jid.Server != types.GroupServer {
		t.Errorf("group jid = %v, %v", jid, err)
	}
	if _, err := parseJID(" "); err == nil {
		t.Error("expected error for empty jid")
	}
}

func TestAllowSet(t *testing.T) {
	set := allowSet([]string{"+1 (555) 123-4567", "4915112345678@s.whatsapp.net", ""})
	if !set["15551234567"] || !set["4915112345678"] || len(set) != 2 {
		t.Errorf("allow set = %v", set)
	}
}
