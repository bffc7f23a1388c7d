package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/blob"
	"github.com/stellarlinkco/inboxd/internal/bridge"
	"github.com/stellarlinkco/inboxd/internal/config"
	"github.com/stellarlinkco/inboxd/internal/cron"
	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/logger"
	"github.com/stellarlinkco/inboxd/internal/metrics"
	"github.com/stellarlinkco/inboxd/internal/notify"
	"github.com/stellarlinkco/inboxd/internal/store"
	"github.com/stellarlinkco/inboxd/internal/worker"
)

const (
	jobRefresh      = "refresh"
	jobBridgeStatus = "bridge_status"
	jobLeaseSweep   = "lease_sweep"

	shutdownTimeout = 30 * time.Second
)

// Options overrides the collaborators New would build from config.
type Options struct {
	Worker     inbox.ArchiveWorker
	Messenger  inbox.Messenger
	Registry   *prometheus.Registry
	Logger     *zerolog.Logger
	SignalChan chan os.Signal // for testing; nil uses os signals
}

type Gateway struct {
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
	engine    *store.Engine
	blobs     *blob.FS
	session   *inbox.Session
	hub       *notify.Hub
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	cron      *cron.Service
	validate  *validator.Validate
	handler   http.Handler
	server    *http.Server

	archiveMode string
	leaseTTL    time.Duration
	bridgeMu    sync.Mutex
	lastBridge  string
	signalChan  chan os.Signal
}

// New creates a gateway with the default collaborators.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a gateway with optional overrides for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:         cfg,
		archiveMode: cfg.Inbox.ArchiveMode,
		leaseTTL:    config.Duration(cfg.Inbox.LeaseTTL, 10*time.Minute),
		signalChan:  opts.SignalChan,
		validate:    validator.New(),
	}
	if opts.Logger != nil {
		g.log, g.logCloser = *opts.Logger, nil
	} else {
		g.log, g.logCloser = logger.New(cfg.Log)
	}
	log := logger.Component(g.log, "gateway")

	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.engine = engine

	blobs, err := blob.NewFS(cfg.Store.BlobDir)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	g.blobs = blobs

	g.registry = opts.Registry
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	g.metrics = metrics.New(g.registry)
	g.hub = notify.NewHub(logger.Component(g.log, "hub"))

	archiveWorker := opts.Worker
	if archiveWorker == nil {
		archiveWorker = worker.NewClient(cfg.WorkerURL(), cfg.Worker.MaxRetries, logger.Component(g.log, "worker-client"))
	}
	messenger := opts.Messenger
	if messenger == nil {
		messenger = bridge.NewClient(cfg.BridgeURL(), nil)
	}

	g.session = inbox.NewSession(inbox.Options{
		Channel:       cfg.Inbox.Channel,
		Staging:       engine,
		Records:       engine,
		Blobs:         blobs,
		Avatars:       engine,
		Worker:        archiveWorker,
		Messenger:     messenger,
		Notifier:      notify.Multi{notify.NewLog(g.log), g.hub},
		Metrics:       g.metrics,
		SearchLimit:   cfg.Inbox.SearchLimit,
		WorkerTimeout: config.Duration(cfg.Worker.Timeout, time.Minute),
		Logger:        g.log,
	})

	g.cron = cron.NewService(filepath.Join(filepath.Dir(cfg.Store.DBPath), "jobs.json"), logger.Component(g.log, "cron"))
	g.cron.OnResult = g.metrics.PollFinished
	if err := g.registerJobs(); err != nil {
		engine.Close()
		return nil, err
	}

	g.handler = g.routes()
	log.Info().
		Str("db", cfg.Store.DBPath).
		Str("worker", cfg.WorkerURL()).
		Str("bridge", cfg.BridgeURL()).
		Str("archive_mode", g.archiveMode).
		Msg("gateway initialized")
	return g, nil
}

func (g *Gateway) registerJobs() error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func(ctx context.Context) error
	}{
		{jobRefresh, config.Duration(g.cfg.Inbox.PollInterval, 15*time.Second), g.refreshJob},
		{jobBridgeStatus, config.Duration(g.cfg.Inbox.StatusInterval, 30*time.Second), g.bridgeJob},
		{jobLeaseSweep, config.Duration(g.cfg.Inbox.SweepInterval, time.Minute), g.sweepJob},
	}
	for _, j := range jobs {
		if err := g.cron.AddJob(j.name, j.every, j.run); err != nil {
			return fmt.Errorf("register job %s: %w", j.name, err)
		}
	}
	return nil
}

func (g *Gateway) refreshJob(ctx context.Context) error {
	_, err := g.session.Refresh(ctx)
	return err
}

// bridgeJob polls the bridge and pushes the state to UI clients when it
// changes.
func (g *Gateway) bridgeJob(ctx context.Context) error {
	st := g.session.CheckBridge(ctx)
	g.bridgeMu.Lock()
	changed := st.State != g.lastBridge
	g.lastBridge = st.State
	g.bridgeMu.Unlock()
	if changed {
		g.hub.BridgeChanged(st)
	}
	if st.Error != "" {
		return errors.New(st.Error)
	}
	return nil
}

// warmUp loads the list and the bridge state before the first cron tick.
func (g *Gateway) warmUp(ctx context.Context, log zerolog.Logger) {
	if _, err := g.session.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial refresh failed")
	}
	if err := g.bridgeJob(ctx); err != nil {
		log.Warn().Err(err).Msg("initial bridge status check failed")
	}
}

// sweepJob resets leases older than the lease TTL and refreshes the list
// when any came back.
func (g *Gateway) sweepJob(ctx context.Context) error {
	n, err := g.engine.ResetStaleLeases(ctx, time.Now().Add(-g.leaseTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		g.log.Warn().Int64("rows", n).Dur("ttl", g.leaseTTL).Msg("reset stale archive leases")
		_, err = g.session.Refresh(ctx)
	}
	return err
}

// Handler exposes the HTTP API for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.handler }

func (g *Gateway) Session() *inbox.Session { return g.session }

func (g *Gateway) Run(ctx context.Context) error {
	log := logger.Component(g.log, "gateway")
	g.warmUp(ctx, log)

	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	log.Info().Int("jobs", len(g.cron.Jobs())).Msg("cron started")

	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("gateway listening")
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
		log.Info().Msg("received signal, shutting down")
	case <-ctx.Done():
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("gateway server failed")
	}
	if err := g.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the scheduler and HTTP server, waits for in-flight async
// archives to settle, then closes the store.
func (g *Gateway) Shutdown() error {
	log := logger.Component(g.log, "gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g.cron.Stop()
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}
	if err := g.session.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("pending archives did not settle")
	}
	g.hub.Close()

	var err error
	if g.engine != nil {
		err = g.engine.Close()
	}
	log.Info().Msg("shutdown complete")
	if g.logCloser != nil {
		g.logCloser.Close()
	}
	return err
}
