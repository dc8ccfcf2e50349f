package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantsys/atabus/internal/aggregate"
	"github.com/quantsys/atabus/internal/audit"
	"github.com/quantsys/atabus/internal/board"
	"github.com/quantsys/atabus/internal/bridge"
	"github.com/quantsys/atabus/internal/bus"
	"github.com/quantsys/atabus/internal/conversation"
	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/flags"
	"github.com/quantsys/atabus/internal/infrastructure/sqlite"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/orchestrator"
	"github.com/quantsys/atabus/internal/outbox"
	"github.com/quantsys/atabus/internal/queue"
	"github.com/quantsys/atabus/internal/registry"
	"github.com/quantsys/atabus/internal/subscriber"
	"github.com/quantsys/atabus/internal/taskid"
	"github.com/quantsys/atabus/internal/tracing"
	"github.com/quantsys/atabus/internal/verdict"
	"github.com/quantsys/atabus/internal/workflow"
)

var serveStdio bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the atabus daemon",
	Long: `Start the substrate: the durable queue with its subscriber lanes, the
JSON-RPC tool surface, the external ingress API, the verdict watcher,
and the registry liveness sweep.

With --stdio the tool surface is served over stdin/stdout instead of
HTTP, using the configured stdio identity.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false,
		"serve the tool surface over stdin/stdout instead of HTTP")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	logCleanup, err := log.Init(filepath.Join(cfg.DataDir, "atabus.log"))
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logCleanup()
	log.Info(log.CatConfig, "Daemon starting", "version", version, "dataDir", cfg.DataDir)

	db, err := sqlite.NewDB(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	q := queue.New(db,
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithRetryDelays(cfg.Queue.RetryDelays()))
	store, err := event.NewStore(cfg.EventsDir())
	if err != nil {
		return err
	}
	publisher := event.NewPublisher(store, q, "atabus")
	ids := taskid.NewManager(db)

	orch, err := orchestrator.New(cfg.TasksDir(), ids, publisher.WithSource("orchestrator"))
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.RegistryDir(),
		registry.WithHeartbeatTimeout(cfg.Registry.HeartbeatTimeout()))
	if err != nil {
		return err
	}
	msgs, err := message.NewStore(cfg.MessagesDir())
	if err != nil {
		return err
	}
	convs, err := conversation.NewStore(cfg.ConversationsDir())
	if err != nil {
		return err
	}
	ob, err := outbox.New(cfg.OutboxDir(), reg, msgs, convs, q)
	if err != nil {
		return err
	}
	b, err := board.New(cfg.BoardDir())
	if err != nil {
		return err
	}
	loader, err := workflow.NewLoader(cfg.WorkflowTemplatesDir())
	if err != nil {
		return err
	}
	engine, err := workflow.NewEngine(cfg.WorkflowsDir(), loader, reg, ob)
	if err != nil {
		return err
	}
	verdicts := verdict.NewHandler(ids, orch, publisher)
	vault, err := bus.NewVault(cfg.VaultDir())
	if err != nil {
		return err
	}
	auditor, err := audit.New(cfg.AuditDir())
	if err != nil {
		return err
	}
	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	server := bus.NewServer("atabus", version, auditor, tracer,
		bus.WithAdminTokens(cfg.Server.AdminTokens),
		bus.WithStdioAuth(bus.AuthContext{
			Caller:    cfg.Server.StdioCaller,
			IsAdmin:   cfg.Server.StdioAdmin,
			UserAgent: "atabus-stdio/" + version,
		}))
	featureFlags := flags.New(cfg.Flags)
	handlers := bus.NewHandlers(b, reg, ob, orch, engine,
		aggregate.New(orch, msgs), convs, msgs, verdicts, ids, publisher, vault, featureFlags)
	handlers.RegisterAll(server)

	if featureFlags.Enabled(flags.FlagDLQReplayOnStart) {
		if n, err := replayDLQ(q); err != nil {
			log.Warn(log.CatQueue, "DLQ replay failed", "error", err)
		} else if n > 0 {
			log.Info(log.CatQueue, "Replayed dead-lettered messages", "count", n)
		}
	}

	br := bridge.New(db, ids, publisher.WithSource("aws_bridge"), cfg.Bridge.Whitelist)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn(log.CatConfig, "Tracer shutdown failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	runLane := func(lane string, handler subscriber.EventHandler) {
		sub := subscriber.New(q, lane, handler,
			subscriber.WithPollInterval(cfg.Queue.PollInterval()),
			subscriber.WithBatchSize(cfg.Queue.BatchSize))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.Run(ctx)
		}()
	}
	runLane(event.LaneBoard, board.NewHandler(b))
	runLane(event.LaneOrchestrator, orchestrator.NewHandler(orch, "orchestrator"))
	if cfg.Bridge.Endpoint != "" {
		runLane(event.LaneBridge, bridge.NewHandler(br, cfg.Bridge.Endpoint, cfg.Bridge.Token))
	}

	if cfg.Verdict.Dir != "" {
		w, err := verdict.NewWatcher(cfg.Verdict.Dir, verdicts)
		if err != nil {
			return fmt.Errorf("starting verdict watcher: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepRegistry(ctx, reg, cfg.Registry.SweepInterval())
	}()

	if serveStdio {
		err = server.Serve(ctx, os.Stdin, os.Stdout)
		stop()
		wg.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	mux := http.NewServeMux()
	server.Routes(mux)
	if cfg.Bridge.Token != "" {
		bridge.NewAPI(br, orch, cfg.Bridge.Token, version).Routes(mux)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info(log.CatBus, "Listening", "addr", cfg.Server.ListenAddr)
	err = httpServer.ListenAndServe()
	stop()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// replayDLQ requeues every dead-lettered message for another delivery
// attempt.
func replayDLQ(q *queue.Queue) (int, error) {
	dead, err := q.DLQMessages(1000)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, msg := range dead {
		ok, err := q.ReplayDLQ(msg.MessageID)
		if err != nil {
			return replayed, err
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

// sweepRegistry periodically marks silent agents OFFLINE.
func sweepRegistry(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := reg.CollectStale(); err != nil {
				log.Warn(log.CatRegistry, "Stale sweep failed", "error", err)
			} else if n > 0 {
				log.Info(log.CatRegistry, "Marked stale agents offline", "count", n)
			}
		}
	}
}
