package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/metrics"
)

const maxRequestBytes = 8 << 20

// Archiver is the workflow the server runs; *inbox.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, conv inbox.Conversation) (*inbox.Report, error)
}

// RequestRecorder counts handled archive requests.
type RequestRecorder interface {
	WorkerRequest(err error)
}

type ServerOptions struct {
	Archiver Archiver
	// Ping backs GET /health; nil always reports healthy.
	Ping     func(ctx context.Context) error
	Metrics  RequestRecorder
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type Server struct {
	archiver Archiver
	ping     func(ctx context.Context) error
	metrics  RequestRecorder
	validate *validator.Validate
	router   *mux.Router
	log      zerolog.Logger
	server   *http.Server
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		archiver: opts.Archiver,
		ping:     opts.Ping,
		metrics:  opts.Metrics,
		validate: validator.New(),
		log:      opts.Logger,
	}
	r := mux.NewRouter()
	r.HandleFunc("/archive", s.handleArchive).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer)).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	if s.server != nil {
		return fmt.Errorf("worker server already started")
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info().Str("addr", addr).Msg("worker listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("worker server error")
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

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.finish(w, http.StatusBadRequest, ArchiveResponse{Error: "invalid json"}, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.finish(w, http.StatusBadRequest, ArchiveResponse{Error: err.Error()}, err)
		return
	}

	conv := req.ToConversation()
	report, err := s.archiver.Archive(r.Context(), conv)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, inbox.ErrEmptyConversation):
			status = http.StatusUnprocessableEntity
		case inbox.IsStoreError(err):
			status = http.StatusServiceUnavailable
		}
		s.log.Error().Err(err).Str("conversation", conv.ID).Msg("archive failed")
		s.finish(w, status, ArchiveResponse{Error: err.Error()}, err)
		return
	}
	for _, soft := range report.SoftFailures() {
		s.log.Warn().Err(soft.Err).Str("conversation", conv.ID).Str("step", soft.Step).Msg("archive step degraded")
	}
	s.finish(w, http.StatusOK, ArchiveResponse{
		Success:      true,
		ChatID:       report.ChatID,
		Interactions: report.InteractionIDs,
	}, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) finish(w http.ResponseWriter, status int, resp ArchiveResponse, err error) {
	if s.metrics != nil {
		s.metrics.WorkerRequest(err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
