package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/inboxd/internal/blob"
	"github.com/stellarlinkco/inboxd/internal/bridge"
	"github.com/stellarlinkco/inboxd/internal/config"
	"github.com/stellarlinkco/inboxd/internal/cron"
	"github.com/stellarlinkco/inboxd/internal/gateway"
	"github.com/stellarlinkco/inboxd/internal/inbox"
	"github.com/stellarlinkco/inboxd/internal/logger"
	"github.com/stellarlinkco/inboxd/internal/metrics"
	"github.com/stellarlinkco/inboxd/internal/store"
	"github.com/stellarlinkco/inboxd/internal/worker"
)

const probeTimeout = 3 * time.Second

var rootCmd = &cobra.Command{
	Use:   "inboxd",
	Short: "inboxd - WhatsApp inbox archival for the CRM",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the inbox gateway (UI API + polling jobs)",
	RunE:  runGateway,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the remote archive worker",
	RunE:  runWorker,
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Start the WhatsApp bridge (ingestion + send API)",
	RunE:  runBridge,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show inboxd status",
	RunE:  runStatus,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search archived conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var contactsCmd = &cobra.Command{
	Use:   "contacts <query>",
	Short: "Find contacts with a phone number",
	Args:  cobra.ExactArgs(1),
	RunE:  runContacts,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive one staged conversation synchronously",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

var spamCmd = &cobra.Command{
	Use:   "spam",
	Short: "List blocklisted senders",
	RunE:  runSpam,
}

var limitFlag int

func init() {
	searchCmd.Flags().IntVarP(&limitFlag, "limit", "n", inbox.DefaultSearchLimit, "Maximum results")
	rootCmd.AddCommand(gatewayCmd, workerCmd, bridgeCmd, onboardCmd, statusCmd,
		searchCmd, contactsCmd, archiveCmd, spamCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer := logger.New(cfg.Log)
	defer closer.Close()

	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Close()

	reg := prometheus.NewRegistry()
	srv := worker.NewServer(worker.ServerOptions{
		Archiver: inbox.NewArchiver(engine, engine, logger.Component(log, "archiver")),
		Ping:     engine.Ping,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Logger:   logger.Component(log, "worker"),
	})
	if err := srv.Start(listenAddr(cfg.Worker.Host, cfg.Worker.Port)); err != nil {
		return err
	}

	waitForSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer := logger.New(cfg.Log)
	defer closer.Close()

	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Close()
	blobs, err := blob.NewFS(cfg.Store.BlobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	ingestor := bridge.NewIngestor(engine, blobs, cfg.Inbox.Channel, logger.Component(log, "ingest"))
	wa, err := bridge.NewWhatsApp(cfg.WhatsApp, ingestor, logger.Component(log, "whatsapp"))
	if err != nil {
		return fmt.Errorf("create whatsapp client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := wa.Start(ctx); err != nil {
		return fmt.Errorf("start whatsapp: %w", err)
	}

	srv := bridge.NewServer(wa, cfg.Bridge.SendRPS, cfg.Bridge.SendBurst, logger.Component(log, "bridge"))
	if err := srv.Start(listenAddr(cfg.Bridge.Host, cfg.Bridge.Port)); err != nil {
		wa.Stop()
		return err
	}

	waitForSignal()
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("bridge http shutdown")
	}
	return wa.Stop()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg = config.DefaultConfig()
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
		if cfg, err = config.LoadConfig(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	engine.Close()
	if _, err := blob.NewFS(cfg.Store.BlobDir); err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	fmt.Fprintf(out, "Database ready: %s\n", cfg.Store.DBPath)
	fmt.Fprintf(out, "Blob store ready: %s\n", cfg.Store.BlobDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Run 'inboxd bridge' and scan the QR code with WhatsApp")
	fmt.Fprintln(out, "  2. Run 'inboxd worker' for background archiving")
	fmt.Fprintln(out, "  3. Run 'inboxd gateway' to serve the inbox UI API")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Archive mode: %s\n", cfg.Inbox.ArchiveMode)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintln(out, "Database: not found (run 'inboxd onboard')")
	} else if err := printStats(contextOf(cmd), out, cfg); err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
	}

	ctx, cancel := context.WithTimeout(contextOf(cmd), probeTimeout)
	defer cancel()
	if st, err := bridge.NewClient(cfg.BridgeURL(), nil).Status(ctx); err != nil {
		fmt.Fprintf(out, "Bridge: unreachable (%s)\n", cfg.BridgeURL())
	} else {
		fmt.Fprintf(out, "Bridge: %s\n", st.State)
	}
	if err := worker.NewClient(cfg.WorkerURL(), 0, zerolog.Nop()).Health(ctx); err != nil {
		fmt.Fprintf(out, "Worker: unreachable (%s)\n", cfg.WorkerURL())
	} else {
		fmt.Fprintln(out, "Worker: ok")
	}

	states, err := cron.LoadStates(filepath.Join(filepath.Dir(cfg.Store.DBPath), "jobs.json"))
	if err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := states[name]
		last := "never"
		if st.LastRunAtMs > 0 {
			last = humanize.Time(time.UnixMilli(st.LastRunAtMs))
		}
		fmt.Fprintf(out, "Job %s: %s, last run %s, %s runs\n", name, statusOr(st.LastStatus), last, humanize.Comma(int64(st.Runs)))
	}
	return nil
}

func printStats(ctx context.Context, out io.Writer, cfg *config.Config) error {
	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return err
	}
	defer engine.Close()
	st, err := engine.Stats(ctx, cfg.Store.DBPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s (%s)\n", cfg.Store.DBPath, humanize.Bytes(uint64(st.DBBytes)))
	fmt.Fprintf(out, "Staged: %s messages in %s conversations (%d leased)\n",
		humanize.Comma(int64(st.StagedMessages)), humanize.Comma(int64(st.StagedConversations)), st.LeasedMessages)
	fmt.Fprintf(out, "Archive: %s chats, %s interactions, %s attachments, %s contacts\n",
		humanize.Comma(int64(st.Chats)), humanize.Comma(int64(st.Interactions)),
		humanize.Comma(int64(st.Attachments)), humanize.Comma(int64(st.Contacts)))
	fmt.Fprintf(out, "Spam: %d blocked senders\n", st.SpamEntries)
	if !st.LastArchivedAt.IsZero() {
		fmt.Fprintf(out, "Last archive: %s\n", humanize.Time(st.LastArchivedAt))
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *inbox.Session, _ *store.Engine) error {
		results, err := s.Search(ctx, strings.Join(args, " "), limitFlag)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "No matches")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "%s  %s  %s\n", r.ChatID, r.DisplayName, r.Snippet)
		}
		return nil
	})
}

func runContacts(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *inbox.Session, _ *store.Engine) error {
		contacts, err := s.SearchContacts(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range contacts {
			fmt.Fprintf(out, "%s  %s  %s\n", c.ID, c.FullName(), c.PrimaryMobile())
		}
		return nil
	})
}

func runArchive(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *inbox.Session, _ *store.Engine) error {
		if _, err := s.Refresh(ctx); err != nil {
			return err
		}
		report, err := s.Archive(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived %s into chat %s (%d new interactions)\n  %s\n",
			report.ConversationID, report.ChatID, report.Created, report.String())
		return nil
	})
}

func runSpam(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, _ *inbox.Session, engine *store.Engine) error {
		entries, err := engine.ListSpam(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%s:%s  x%d  %s\n", e.Key.Kind, e.Key.Identifier, e.Counter, humanize.Time(e.UpdatedAt))
		}
		return nil
	})
}

// withSession opens the store and runs fn against an offline session with no
// bridge or worker attached.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *inbox.Session, engine *store.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := store.NewEngine(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Close()
	blobs, err := blob.NewFS(cfg.Store.BlobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	s := inbox.NewSession(inbox.Options{
		Channel:     cfg.Inbox.Channel,
		Staging:     engine,
		Records:     engine,
		Blobs:       blobs,
		Avatars:     engine,
		SearchLimit: cfg.Inbox.SearchLimit,
		Logger:      zerolog.Nop(),
	})
	return fn(contextOf(cmd), s, engine)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func statusOr(s string) string {
	if s == "" {
		return "pending"
	}
	return s
}
