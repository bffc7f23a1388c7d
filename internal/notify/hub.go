package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

const (
	writeTimeout = 5 * time.Second
	clientBuffer = 16
)

type wsMessage struct {
	Type         string              `json:"type"`
	Notification *inbox.Notification `json:"notification,omitempty"`
	Bridge       *inbox.BridgeStatus `json:"bridge,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
	out  chan []byte
}

// Hub pushes notifications to websocket clients. Notify never blocks: a
// client whose buffer is full misses the message.
type Hub struct {
	clients sync.Map
	nextID  atomic.Int64
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log}
}

// ServeHTTP upgrades the request and streams messages until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	client := &wsClient{conn: conn, id: fmt.Sprintf("ui-%d", h.nextID.Add(1)), out: make(chan []byte, clientBuffer)}
	h.clients.Store(client.id, client)
	h.log.Debug().Str("client", client.id).Msg("client connected")
	defer func() {
		h.clients.Delete(client.id)
		conn.CloseNow()
		h.log.Debug().Str("client", client.id).Msg("client disconnected")
	}()

	// CloseRead drains and discards client frames; ctx ends when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) Notify(n inbox.Notification) {
	h.broadcast(wsMessage{Type: "notification", Notification: &n})
}

// BridgeChanged pushes a bridge status update.
func (h *Hub) BridgeChanged(st inbox.BridgeStatus) {
	h.broadcast(wsMessage{Type: "bridge", Bridge: &st})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	n := 0
	h.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *Hub) Close() {
	h.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.Close(websocket.StatusGoingAway, "shutting down")
		return true
	})
}

func (h *Hub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("encode notification")
		return
	}
	h.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		select {
		case c.out <- data:
		default:
			h.log.Warn().Str("client", c.id).Msg("client too slow, dropped notification")
		}
		return true
	})
}
