package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

// Connection is the live messaging session behind the server.
type Connection interface {
	Status() inbox.BridgeStatus
	SendText(ctx context.Context, recipient, body string) (string, error)
}

type Server struct {
	conn     Connection
	limiter  *rate.Limiter
	validate *validator.Validate
	router   *mux.Router
	log      zerolog.Logger
	server   *http.Server
}

// NewServer serves conn. Sends are limited to rps per second with the given
// burst.
func NewServer(conn Connection, rps float64, burst int, log zerolog.Logger) *Server {
	if burst < 1 {
		burst = 1
	}
	s := &Server{
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		validate: validator.New(),
		log:      log,
	}
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(addr string) error {
	if s.server != nil {
		return fmt.Errorf("bridge server already started")
	}
	s.server = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.log.Info().Str("addr", addr).Msg("bridge listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("bridge server error")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.conn.Status()
	writeJSON(w, http.StatusOK, StatusResponse{Status: st.State, HasQR: st.HasQR, Error: st.Error})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SendResponse{Error: "invalid json"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, SendResponse{Error: err.Error()})
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, SendResponse{Error: "send rate exceeded"})
		return
	}
	if st := s.conn.Status(); st.State != inbox.BridgeConnected {
		writeJSON(w, http.StatusServiceUnavailable, SendResponse{Error: "whatsapp not connected"})
		return
	}

	id, err := s.conn.SendText(r.Context(), req.RecipientIdentifier, req.Body)
	if err != nil {
		s.log.Error().Err(err).Str("recipient", req.RecipientIdentifier).Msg("send failed")
		writeJSON(w, http.StatusBadGateway, SendResponse{Error: err.Error()})
		return
	}
	s.log.Info().Str("recipient", req.RecipientIdentifier).Str("message", id).Msg("message sent")
	writeJSON(w, http.StatusOK, SendResponse{Success: true, MessageID: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
