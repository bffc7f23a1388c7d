package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/metrics"
)

const maxBodyBytes = 1 << 20

type conversationsResponse struct {
	Conversations []inbox.Conversation `json:"conversations"`
	Selected      string               `json:"selected,omitempty"`
}

type actionResponse struct {
	ConversationID string   `json:"conversationId"`
	Mode           string   `json:"mode,omitempty"`
	State          string   `json:"state,omitempty"`
	ChatID         string   `json:"chatId,omitempty"`
	Created        int      `json:"created"`
	Degraded       []string `json:"degraded,omitempty"`
	Selected       string   `json:"selected,omitempty"`
}

type sendRequest struct {
	RecipientIdentifier string `json:"recipientIdentifier" validate:"required"`
	Body                string `json:"body" validate:"required,max=65536"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversations", g.handleConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/refresh", g.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/select", g.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/done", g.handleDone).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/spam", g.handleSpam).Methods(http.MethodPost)
	api.HandleFunc("/messages", g.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/contacts", g.handleContacts).Methods(http.MethodGet)
	api.HandleFunc("/search", g.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}", g.handleChat).Methods(http.MethodGet)
	api.HandleFunc("/bridge/status", g.handleBridgeStatus).Methods(http.MethodGet)
	r.Handle("/ws", g.hub)
	r.Handle("/metrics", metrics.Handler(g.registry)).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	return r
}

func (g *Gateway) listResponse() conversationsResponse {
	convs := g.session.Conversations()
	if convs == nil {
		convs = []inbox.Conversation{}
	}
	return conversationsResponse{Conversations: convs, Selected: g.selectedID()}
}

func (g *Gateway) selectedID() string {
	if sel, ok := g.session.List().Selected(); ok {
		return sel.ID
	}
	return ""
}

func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.listResponse())
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := g.session.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.listResponse())
}

func (g *Gateway) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := g.session.Select(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDone archives a conversation. mode overrides the configured archive
// mode for this request.
func (g *Gateway) handleDone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = g.archiveMode
	}

	switch mode {
	case "sync":
		report, err := g.session.Archive(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := reportResponse(report)
		resp.Mode = mode
		resp.Selected = g.selectedID()
		writeJSON(w, http.StatusOK, resp)
	case "async":
		pending, err := g.session.ArchiveAsync(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, actionResponse{
			ConversationID: id,
			Mode:           mode,
			State:          string(pending.State()),
			Selected:       g.selectedID(),
		})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mode must be sync or async"})
	}
}

func (g *Gateway) handleSpam(w http.ResponseWriter, r *http.Request) {
	report, err := g.session.Spam(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp := reportResponse(report)
	resp.Selected = g.selectedID()
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if err := g.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := g.session.Send(r.Context(), req.RecipientIdentifier, req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

func (g *Gateway) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := g.session.SearchContacts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	results, err := g.session.Search(r.Context(), q.Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	conv, err := g.session.LoadArchived(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.session.BridgeStatus())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func reportResponse(report *inbox.Report) actionResponse {
	resp := actionResponse{ConversationID: report.ConversationID, ChatID: report.ChatID, Created: report.Created}
	for _, soft := range report.SoftFailures() {
		resp.Degraded = append(resp.Degraded, soft.Step)
	}
	return resp
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, inbox.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, inbox.ErrEmptyConversation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, inbox.ErrQueryTooShort):
		return http.StatusBadRequest
	case errors.Is(err, inbox.ErrWorkerFailed):
		return http.StatusBadGateway
	case inbox.IsStoreError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
