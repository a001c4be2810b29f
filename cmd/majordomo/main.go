package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/majordomo/internal/agent"
	"github.com/basket/majordomo/internal/agents"
	"github.com/basket/majordomo/internal/arbiter"
	"github.com/basket/majordomo/internal/bus"
	"github.com/basket/majordomo/internal/config"
	"github.com/basket/majordomo/internal/cron"
	"github.com/basket/majordomo/internal/dispatch"
	"github.com/basket/majordomo/internal/engine"
	"github.com/basket/majordomo/internal/feedback"
	otelPkg "github.com/basket/majordomo/internal/otel"
	"github.com/basket/majordomo/internal/persistence"
	"github.com/basket/majordomo/internal/subscription"
	"github.com/basket/majordomo/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the orchestrator

SUBCOMMANDS:
  %s status                   Show queue depth and task counts

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MAJORDOMO_HOME          Data directory (default: ~/.majordomo)
  GEMINI_API_KEY          Enables LLM routing arbitration (google provider)
  ANTHROPIC_API_KEY       Enables LLM routing arbitration (anthropic provider)
`)
}

func main() {
	config.LoadDotEnv(config.HomeDir())

	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("majordomo", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stdout.Fd()) && *quiet {
		fmt.Printf("majordomo %s starting (logs: %s)\n", Version, filepath.Join(cfg.HomeDir, "logs"))
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "majordomo.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New(logger)
	eventBus.SetHooks(
		func(ev *bus.Event) { metrics.EventsPublished.Add(ctx, 1) },
		func(ev *bus.Event) { metrics.HandlerErrors.Add(ctx, 1) },
	)

	// Lifecycle callbacks ride on top of the bus.
	subs := subscription.NewManager(logger)
	subs.AttachTo(eventBus)
	subs.Subscribe(bus.KindTaskComplete, func(ev *bus.Event) error {
		logger.Info("task lifecycle", "outcome", "complete",
			"task_id", ev.PayloadString("task_id"), "user_id", ev.UserID)
		return nil
	})
	subs.Subscribe(bus.KindTaskFailed, func(ev *bus.Event) error {
		logger.Warn("task lifecycle", "outcome", "failed",
			"task_id", ev.PayloadString("task_id"), "user_id", ev.UserID,
			"error", ev.PayloadString("error"))
		return nil
	})

	catalog := agent.NewCatalog(logger)
	if err := catalog.Load(agents.Builtin()...); err != nil {
		fatalStartup(logger, "E_AGENT_LOAD", err)
	}
	logger.Info("startup phase", "phase", "agents_loaded", "agents", catalog.Slugs())

	provider, model, apiKey := cfg.ResolveLLMConfig()
	arb := arbiter.New(ctx, arbiter.Config{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		Logger:                   logger,
	})

	var routerArbiter agent.Arbiter
	if arb != nil {
		routerArbiter = arb
	}
	router := agent.NewRouter(catalog, routerArbiter, logger)
	router.SetArbitrationHook(func() { metrics.ArbitrationCalls.Add(ctx, 1) })

	deliverers := feedback.NewManager(logger)

	dispatcher := dispatch.New(store, cfg.MaxQueueDepth, logger)
	dispatcher.SetDispatchHook(func() { metrics.TasksDispatched.Add(ctx, 1) })
	dispatcher.AttachTo(eventBus)

	cronEngine := cron.NewEngine(cron.Config{
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		Interval: cfg.CronSyncInterval(),
	})
	cronEngine.SetFireHook(func() { metrics.CronFires.Add(ctx, 1) })
	cronEngine.Start(ctx)

	workers := engine.New(engine.Config{
		WorkerCount:  cfg.WorkerCount,
		PollInterval: cfg.PollInterval(),
		TaskTimeout:  cfg.TaskTimeout(),
		Store:        store,
		Catalog:      catalog,
		Router:       router,
		Bus:          eventBus,
		Feedback:     deliverers,
		Logger:       logger,
		OnComplete: func(d time.Duration) {
			metrics.TasksCompleted.Add(ctx, 1)
			metrics.TaskDuration.Record(ctx, d.Seconds())
		},
		OnFail:  func() { metrics.TasksFailed.Add(ctx, 1) },
		OnRetry: func() { metrics.TasksRetried.Add(ctx, 1) },
	})
	workers.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range watcher.Events() {
			reloaded, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logLevel.Set(telemetry.ParseLevel(reloaded.LogLevel))
			logger.Info("config reloaded", "log_level", reloaded.LogLevel,
				"fingerprint", reloaded.Fingerprint())
		}
	}()

	logger.Info("startup phase", "phase", "running",
		"workers", cfg.WorkerCount, "max_queue_depth", cfg.MaxQueueDepth,
		"arbitration", arb != nil)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop new cron fires first, then let in-flight tasks finish.
	cronEngine.Stop()
	if err := workers.Drain(cfg.DrainTimeout()); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
