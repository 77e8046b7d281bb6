package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/channels"
	"github.com/basket/groupclaw/internal/config"
	"github.com/basket/groupclaw/internal/cron"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/orchestrator"
	otelPkg "github.com/basket/groupclaw/internal/otel"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/queue"
	"github.com/basket/groupclaw/internal/supervisor"
	"github.com/basket/groupclaw/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the orchestrator in the foreground
  %s -daemon                  Start the orchestrator (logs to stdout only)
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GROUPCLAW_HOME              Data directory (default: ~/.groupclaw)
  GROUPCLAW_WORKER_COMMAND    Worker binary to spawn per invocation
  TELEGRAM_TOKEN              Enables the Telegram channel
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run in daemon mode (logs to stdout only)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Foreground runs without a terminal (service managers) log to file only;
	// -daemon always mirrors to stdout for collector pickup.
	quietLogs := !*daemon && !isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	instruments, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metricsBridge := telemetry.NewMetricsBridge(eventBus, instruments, logger)

	// The store is load-bearing: cursors and sessions must be durable before
	// any worker runs, so an unreachable store is fatal rather than degraded.
	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Losing the store mid-run is as fatal as failing to open it: continuing
	// would strand cursors and sessions in memory.
	storeFailed := func(err error) {
		logger.Error("durable store unavailable", "reason_code", "E_STORE_UNAVAILABLE", "error", err)
		os.Exit(1)
	}

	credentials := map[string]string{}
	if cfg.Telegram.Token != "" {
		credentials["TELEGRAM_TOKEN"] = cfg.Telegram.Token
	}
	sup := supervisor.New(supervisor.Config{
		Spawner:     supervisor.NewExecSpawner(cfg.Worker.Command, cfg.Worker.Args),
		Store:       store,
		Bus:         eventBus,
		Logger:      logger,
		IPCRoot:     cfg.IPCRoot(),
		HardTimeout: cfg.HardTimeout(),
		IdleTimeout: cfg.IdleTimeout(),
		Credentials: credentials,

		OnStoreFailure: storeFailed,
	})

	relay := &intakeRelay{}
	var channel channels.Channel
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		channel = channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, relay, logger, eventBus)
	} else {
		logger.Warn("no chat channel configured; running with ipc and cron only")
		channel = noopChannel{logger: logger}
	}

	var orch *orchestrator.Orchestrator
	workQueue := queue.New(queue.Config{
		Dispatcher: sup,
		IPCRoot:    cfg.IPCRoot(),
		Bus:        eventBus,
		Logger:     logger,
		OnResult: func(group *persistence.Group, frame supervisor.Frame) {
			orch.DeliverResult(group, frame)
		},
		MaxWorkers: cfg.Queue.MaxConcurrentWorkers,
		MaxRetries: cfg.Queue.MaxRetries,
		RetryBase:  cfg.RetryBase(),
	})

	orch = orchestrator.New(orchestrator.Config{
		Store:   store,
		Queue:   workQueue,
		Channel: channel,
		Bus:     eventBus,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		IPCRoot: cfg.IPCRoot(),

		OnStoreFailure: storeFailed,
	})
	relay.intake = orch

	if err := orch.Reconcile(ctx); err != nil {
		fatalStartup(logger, "E_RECONCILE", err)
	}
	logger.Info("startup phase", "phase", "state_reconciled")

	watcher := ipc.NewWatcher(ipc.WatcherConfig{
		Root:         cfg.IPCRoot(),
		Store:        store,
		Handler:      orch,
		Bus:          eventBus,
		Logger:       logger,
		PollInterval: cfg.IPCPollInterval(),
	})

	scheduler := cron.NewScheduler(cron.SchedulerConfig{
		Store:    store,
		Queue:    workQueue,
		Logger:   logger,
		Interval: time.Duration(cfg.Cron.TickSeconds) * time.Second,
	})

	metricsBridge.Start(ctx)
	defer metricsBridge.Stop()
	orch.Start(ctx)
	defer orch.Stop()
	workQueue.Start(ctx)
	defer workQueue.Stop()
	watcher.Start(ctx)
	defer watcher.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Watch config.yaml so a broken edit is caught while the previous
	// settings are still running; changes apply on the next restart.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range confWatcher.Events() {
				if _, err := config.Load(); err != nil {
					logger.Error("config.yaml changed but does not parse; keeping current settings", "error", err)
					continue
				}
				logger.Info("config.yaml changed; restart to apply")
			}
		}()
	}

	go func() {
		if err := channel.Start(ctx); err != nil {
			logger.Error("channel terminated", "channel", channel.Name(), "error", err)
		}
	}()

	logger.Info("startup phase", "phase", "running",
		"max_workers", cfg.Queue.MaxConcurrentWorkers,
		"worker_command", cfg.Worker.Command,
		"channel", channel.Name())

	<-ctx.Done()
	logger.Info("shutdown requested; draining")
}

// intakeRelay breaks the construction cycle between the channel (which needs
// an intake) and the orchestrator (which needs the channel for delivery).
type intakeRelay struct {
	intake channels.Intake
}

func (r *intakeRelay) HandleIncomingMessage(ctx context.Context, msg channels.IncomingMessage) {
	if r.intake == nil {
		return
	}
	r.intake.HandleIncomingMessage(ctx, msg)
}

// noopChannel stands in when no chat transport is configured. Outbound
// results are logged and dropped; agent-to-agent IPC still flows.
type noopChannel struct {
	logger *slog.Logger
}

func (noopChannel) Name() string { return "none" }

func (noopChannel) Start(ctx context.Context) error { <-ctx.Done(); return nil }

func (noopChannel) OwnsDestination(string) bool { return false }

func (noopChannel) IsConnected() bool { return false }

func (noopChannel) SetTyping(string, bool) {}

func (c noopChannel) Send(_ context.Context, destinationID, text, _ string) error {
	c.logger.Info("no channel configured; dropping outbound message",
		"destination_id", destinationID, "chars", len(text))
	return nil
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
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
