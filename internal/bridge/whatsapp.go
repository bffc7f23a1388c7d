package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/inboxd/internal/config"
	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/model"

	_ "modernc.org/sqlite"
)

const (
	whatsappMediaTimeout  = 30 * time.Second
	whatsappSendTimeout   = 30 * time.Second
	whatsappIngestTimeout = 15 * time.Second
)

// WhatsApp is a whatsmeow session that feeds the ingestor and sends text.
type WhatsApp struct {
	cfg            config.WhatsAppConfig
	client         *whatsmeow.Client
	storeContainer *sqlstore.Container
	ingestor       *Ingestor
	log            zerolog.Logger
	cancel         context.CancelFunc
	handlerID      uint32

	mu         sync.RWMutex
	state      string
	hasQR      bool
	lastErr    string
	groupNames map[string]string
	allow      map[string]bool
}

func NewWhatsApp(cfg config.WhatsAppConfig, ingestor *Ingestor, log zerolog.Logger) (*WhatsApp, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp.db")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(context.Background(), "sqlite", storeDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	w := &WhatsApp{
		cfg:            cfg,
		client:         whatsmeow.NewClient(deviceStore, waLog.Noop),
		storeContainer: container,
		ingestor:       ingestor,
		log:            log,
		state:          inbox.BridgeDisconnected,
		groupNames:     make(map[string]string),
		allow:          allowSet(cfg.AllowFrom),
	}
	w.handlerID = w.client.AddEventHandler(w.handleEvent)
	return w, nil
}

func (w *WhatsApp) Start(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.setState(inbox.BridgeConnecting, false, "")

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			w.cancel()
			w.setState(inbox.BridgeDisconnected, false, err.Error())
			return fmt.Errorf("get whatsapp qr channel: %w", err)
		}
		go w.consumeQR(ctx, qrChan)
	}

	if err := w.client.Connect(); err != nil {
		w.cancel()
		w.setState(inbox.BridgeDisconnected, false, err.Error())
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	go func() {
		<-ctx.Done()
		w.client.Disconnect()
	}()
	return nil
}

func (w *WhatsApp) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		if w.handlerID != 0 {
			w.client.RemoveEventHandler(w.handlerID)
			w.handlerID = 0
		}
		w.client.Disconnect()
	}
	if w.storeContainer != nil {
		if err := w.storeContainer.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.storeContainer = nil
	}
	w.setState(inbox.BridgeDisconnected, false, "")
	w.log.Info().Msg("whatsapp stopped")
	return nil
}

func (w *WhatsApp) Status() inbox.BridgeStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return inbox.BridgeStatus{State: w.state, HasQR: w.hasQR, Error: w.lastErr, CheckedAt: time.Now()}
}

// SendText sends body to a phone number or JID and returns the message id.
func (w *WhatsApp) SendText(ctx context.Context, recipient, body string) (string, error) {
	if w.client == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := parseJID(recipient)
	if err != nil {
		return "", fmt.Errorf("parse whatsapp recipient %q: %w", recipient, err)
	}
	content := strings.TrimSpace(body)
	if content == "" {
		return "", fmt.Errorf("empty message body")
	}

	ctx, cancel := context.WithTimeout(ctx, whatsappSendTimeout)
	defer cancel()
	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(content),
	})
	if err != nil {
		return "", fmt.Errorf("send whatsapp message: %w", err)
	}
	return string(resp.ID), nil
}

func (w *WhatsApp) setState(state string, hasQR bool, errMsg string) {
	w.mu.Lock()
	w.state, w.hasQR, w.lastErr = state, hasQR, errMsg
	w.mu.Unlock()
}

func (w *WhatsApp) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				w.setState(inbox.BridgeQRReady, true, "")
				w.log.Info().Msg("scan the QR code below to login")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			case whatsmeow.QRChannelSuccess.Event:
				w.setState(inbox.BridgeConnecting, false, "")
			default:
				if evt.Error != nil {
					w.setState(inbox.BridgeDisconnected, false, evt.Error.Error())
					w.log.Warn().Err(evt.Error).Str("event", evt.Event).Msg("whatsapp login event")
				} else {
					w.log.Info().Str("event", evt.Event).Msg("whatsapp login event")
				}
			}
		}
	}
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		w.setState(inbox.BridgeConnected, false, "")
		w.log.Info().Msg("whatsapp connected")
	case *events.Disconnected:
		w.setState(inbox.BridgeDisconnected, false, "")
		w.log.Warn().Msg("whatsapp disconnected")
	case *events.LoggedOut:
		w.setState(inbox.BridgeDisconnected, false, "logged out")
		w.log.Warn().Msg("whatsapp session logged out")
	case *events.GroupInfo:
		if e.Name != nil {
			w.rememberGroup(e.JID, e.Name.Name)
		}
	case *events.JoinedGroup:
		w.rememberGroup(e.JID, e.GroupName.Name)
	case *events.Message:
		w.handleMessage(e)
	}
}

func (w *WhatsApp) rememberGroup(jid types.JID, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.groupNames[jid.User] = name
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), whatsappIngestTimeout)
	defer cancel()
	if err := w.ingestor.RenameChat(ctx, jid.User, name); err != nil {
		w.log.Warn().Err(err).Str("group", jid.String()).Msg("chat rename failed")
	}
}

func (w *WhatsApp) groupName(jid types.JID) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.groupNames[jid.User]
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}
	in, ok := w.toIncoming(evt)
	if !ok {
		return
	}
	if !evt.Info.IsFromMe && !w.isAllowed(evt.Info.Sender.User) && !w.isAllowed(evt.Info.Chat.User) {
		w.log.Debug().Str("sender", evt.Info.Sender.ToNonAD().String()).Msg("rejected message")
		return
	}
	in.Media = w.downloadMedia(evt)

	ctx, cancel := context.WithTimeout(context.Background(), whatsappIngestTimeout)
	defer cancel()
	res, err := w.ingestor.Ingest(ctx, in)
	if err != nil {
		w.log.Error().Err(err).Str("message", in.ExternalMessageID).Msg("ingest failed")
		return
	}
	w.log.Debug().Str("message", in.ExternalMessageID).Str("result", string(res)).Msg("message ingested")
}

// toIncoming maps a whatsmeow message onto the staging shape. Status
// broadcasts and newsletters are skipped.
func (w *WhatsApp) toIncoming(evt *events.Message) (Incoming, bool) {
	chat := evt.Info.Chat
	if chat.Server == types.BroadcastServer || chat.Server == types.NewsletterServer {
		return Incoming{}, false
	}
	direction := model.DirectionReceived
	if evt.Info.IsFromMe {
		direction = model.DirectionSent
	}

	in := Incoming{
		ConversationID:    chat.User,
		ExternalMessageID: evt.Info.ID,
		Direction:         direction,
		Body:              messageText(evt.Message),
		Timestamp:         evt.Info.Timestamp,
		Participant: model.ParticipantMeta{
			ChatJID: chat.ToNonAD().String(),
		},
	}
	if evt.Info.IsGroup {
		in.Participant.IsGroup = true
		in.Participant.DisplayName = w.groupName(chat)
		if in.Participant.DisplayName == "" {
			in.Participant.DisplayName = chat.User
		}
		return in, true
	}

	in.Participant.Identifier = chat.User
	if !evt.Info.IsFromMe {
		in.Participant.DisplayName = strings.TrimSpace(evt.Info.PushName)
	}
	return in, true
}

func messageText(msg *waE2E.Message) string {
	if text := strings.TrimSpace(msg.GetConversation()); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return strings.TrimSpace(ext.GetText())
	}
	if img := msg.GetImageMessage(); img != nil {
		return strings.TrimSpace(img.GetCaption())
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		if caption := strings.TrimSpace(doc.GetCaption()); caption != "" {
			return caption
		}
		return strings.TrimSpace(doc.GetFileName())
	}
	return ""
}

func (w *WhatsApp) downloadMedia(evt *events.Message) []Media {
	var out []Media
	ctx, cancel := context.WithTimeout(context.Background(), whatsappMediaTimeout)
	defer cancel()

	if img := evt.Message.GetImageMessage(); img != nil {
		data, err := w.client.Download(ctx, img)
		if err != nil {
			w.log.Warn().Err(err).Str("message", evt.Info.ID).Msg("download image failed")
		} else if len(data) > 0 {
			out = append(out, Media{MimeType: strings.TrimSpace(img.GetMimetype()), Data: data})
		}
	}
	if doc := evt.Message.GetDocumentMessage(); doc != nil {
		data, err := w.client.Download(ctx, doc)
		if err != nil {
			w.log.Warn().Err(err).Str("message", evt.Info.ID).Msg("download document failed")
		} else if len(data) > 0 {
			out = append(out, Media{FileName: doc.GetFileName(), MimeType: strings.TrimSpace(doc.GetMimetype()), Data: data})
		}
	}
	return out
}

func (w *WhatsApp) isAllowed(identifier string) bool {
	if len(w.allow) == 0 {
		return true
	}
	return w.allow[inbox.NormalizeIdentifier(identifier)]
}

func allowSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, v := range list {
		if strings.Contains(v, "@") {
			v = inbox.PhoneFromJID(v)
		}
		if n := inbox.NormalizeIdentifier(v); n != "" {
			out[n] = true
		}
	}
	return out
}

func parseJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}
	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}
	user := inbox.NormalizeIdentifier(raw)
	if user != "" && strings.Trim(user, "0123456789") == "" {
		return types.NewJID(user, types.DefaultUserServer), nil
	}
	return types.ParseJID(raw)
}
