// Conclave control-plane server — runs multi-agent conversations,
// graph workflows, and benchmarks behind one HTTP API with cost
// enforcement and live streaming.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/conclave-ai/conclave/pkg/agent"
	"github.com/conclave-ai/conclave/pkg/api"
	"github.com/conclave-ai/conclave/pkg/benchmark"
	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/budget"
	"github.com/conclave-ai/conclave/pkg/cleanup"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/database"
	"github.com/conclave-ai/conclave/pkg/embedding"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/llm"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
	"github.com/conclave-ai/conclave/pkg/pricing"
	"github.com/conclave-ai/conclave/pkg/rag"
	"github.com/conclave-ai/conclave/pkg/slack"
	"github.com/conclave-ai/conclave/pkg/stream"
	"github.com/conclave-ai/conclave/pkg/version"
	"github.com/conclave-ai/conclave/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting Conclave",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// Background tasks (monitor sweeps, pricing refresh, purges) stop
	// first during shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"agents", stats.Agents, "workflows", stats.Workflows, "providers", stats.Providers)

	m := metrics.New()

	// 2. Initialize database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Optional Redis (breaker state sharing, retrieval cache)
	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		slog.Info("Connected to Redis", "addr", addr)
	} else {
		slog.Warn("REDIS_ADDR not set, using in-process breaker state and retrieval cache")
	}

	// 4. Pricing table
	table := pricing.NewTable(pricing.NewPGStore(dbClient.DB()), slog.Default())
	if err := table.Init(ctx); err != nil {
		slog.Error("Failed to initialize pricing table", "error", err)
		os.Exit(1)
	}
	if feedURL := os.Getenv("PRICING_FEED_URL"); feedURL != "" {
		providers := make([]string, 0, len(cfg.Providers.Providers))
		for name := range cfg.Providers.Providers {
			providers = append(providers, name)
		}
		updater := pricing.NewUpdater(table, pricing.NewHTTPFeed(feedURL), providers, 0, slog.Default())
		go updater.Run(bgCtx)
		slog.Info("Pricing updater started", "feed_url", feedURL)
	}

	// 5. Cost ledger and circuit breaker
	costs := ledger.New(ledger.NewPGStore(dbClient.DB()), m, slog.Default())

	var stateStore breaker.StateStore
	if rdb != nil {
		stateStore = breaker.NewRedisStore(rdb)
	} else {
		stateStore = breaker.NewMemoryStateStore()
	}
	br := breaker.New(cfg.Limits, costs, stateStore, m, slog.Default())
	if err := br.Init(ctx); err != nil {
		slog.Error("Failed to initialize circuit breaker", "error", err)
		os.Exit(1)
	}

	monitor := budget.NewMonitor(costs, br, m, slog.Default(), 30*time.Second)
	if notifier := slack.NewService(slack.ServiceConfig{
		Token:        os.Getenv("SLACK_TOKEN"),
		Channel:      os.Getenv("SLACK_CHANNEL"),
		DashboardURL: os.Getenv("DASHBOARD_URL"),
	}); notifier != nil {
		monitor.SetNotifier(notifier)
		slog.Info("Slack alert notifications enabled")
	}
	go monitor.Run(bgCtx)

	// 6. Memory store and retrieval
	var embedder embedding.Provider
	if openaiKey := cfg.Providers.Providers["openai"].APIKey; openaiKey != "" {
		embedder, err = embedding.NewOpenAIProvider(openaiKey, cfg.Providers.EmbeddingModel, cfg.Memory.EmbeddingDim)
		if err != nil {
			slog.Error("Failed to initialize embedding provider", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No openai provider configured, memory retrieval uses fake embeddings")
		embedder = embedding.NewFakeProvider(cfg.Memory.EmbeddingDim)
	}

	memStore := memory.NewStore(memory.NewPGBackend(dbClient.DB()), embedder, cfg.Memory, slog.Default())
	go memStore.RunPurge(bgCtx)

	var ragCache rag.Cache
	if rdb != nil {
		ragCache = rag.NewRedisCache(rdb)
	} else {
		ragCache = rag.NewMemoryCache()
	}
	retriever := rag.NewRetriever(memStore, embedder, ragCache, cfg.RAG, m, slog.Default())

	// 7. Agents and LLM clients
	registry, err := agent.NewRegistry(cfg.Agents)
	if err != nil {
		slog.Error("Failed to build agent registry", "error", err)
		os.Exit(1)
	}
	selector := agent.NewSelector(registry, cfg.Selection)

	var clients []llm.Client
	for name, p := range cfg.Providers.Providers {
		switch name {
		case "openai":
			c, err := llm.NewOpenAIClient(p.APIKey)
			if err != nil {
				slog.Error("Failed to initialize OpenAI client", "error", err)
				os.Exit(1)
			}
			clients = append(clients, c)
		case "anthropic":
			c, err := llm.NewAnthropicClient(p.APIKey)
			if err != nil {
				slog.Error("Failed to initialize Anthropic client", "error", err)
				os.Exit(1)
			}
			clients = append(clients, c)
		default:
			slog.Warn("Skipping unknown provider", "provider", name)
		}
	}
	if len(clients) == 0 {
		slog.Error("No usable LLM providers configured")
		os.Exit(1)
	}
	llmRegistry := llm.NewRegistry(clients...)
	slog.Info("LLM clients initialized", "count", len(clients))

	// 8. Streaming infrastructure
	relay := stream.NewPublisher(dbClient.DB())
	fanout := stream.NewFanout(nil, slog.Default())
	listener := stream.NewListener(dbConfig.DSN(), fanout.Dispatch, slog.Default())
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	fanout.SetSource(listener)
	streams := stream.NewManager(cfg.Stream, m, relay, slog.Default())
	go streams.Run(bgCtx)
	slog.Info("Streaming infrastructure initialized")

	// 9. Orchestrator, workflows, benchmarks
	orch := orchestrator.New(orchestrator.Deps{
		Registry:  registry,
		Selector:  selector,
		Retriever: retriever,
		Breaker:   br,
		Pricing:   table,
		Ledger:    costs,
		Clients:   llmRegistry,
		Memory:    memStore,
		Metrics:   m,
		Limits:    cfg.Limits,
		RAG:       cfg.RAG,
		Providers: cfg.Providers,
		Logger:    slog.Default(),
	})

	executions := workflow.NewPGStore(dbClient.DB())
	executor := workflow.NewExecutor(workflow.Deps{
		Registry:  registry,
		Clients:   llmRegistry,
		Pricing:   table,
		Ledger:    costs,
		Breaker:   br,
		Store:     executions,
		Metrics:   m,
		Limits:    cfg.Limits,
		Providers: cfg.Providers,
		Logger:    slog.Default(),
	})

	retention := cleanup.NewService(cleanup.DefaultConfig(), relay, executions, slog.Default())
	retention.Start(bgCtx)

	suite := benchmark.Builtin()
	if suitePath := os.Getenv("BENCHMARK_SUITE"); suitePath != "" {
		suite, err = benchmark.LoadScenarios(suitePath)
		if err != nil {
			slog.Error("Failed to load benchmark suite", "path", suitePath, "error", err)
			os.Exit(1)
		}
		slog.Info("Benchmark suite loaded", "path", suitePath, "scenarios", len(suite))
	}
	benchmarks := benchmark.NewRunner(orch, registry, slog.Default())

	// 10. HTTP server
	server := api.NewServer(api.Deps{
		Config:     cfg,
		Orch:       orch,
		Workflows:  executor,
		Benchmarks: benchmarks,
		Suite:      suite,
		Breaker:    br,
		Ledger:     costs,
		Monitor:    monitor,
		Streams:    streams,
		Relay:      relay,
		Fanout:     fanout,
		DB:         dbClient,
		Redis:      rdb,
		Metrics:    m,
		Logger:     slog.Default(),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Conclave started successfully",
		"agents", stats.Agents, "workflows", stats.Workflows)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop background tasks, drain live streams,
	// stop the HTTP server, then settle persistent state.
	bgCancel()
	retention.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	streams.Drain(drainCtx)
	drainCancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	listener.Stop(ctx)

	// Sessions still open after the drain are aborted so the day's
	// spend attribution stays consistent.
	abortCtx, abortCancel := context.WithTimeout(ctx, 5*time.Second)
	if n, err := costs.AbortOpenSessions(abortCtx); err != nil {
		slog.Error("Failed to abort open cost sessions", "error", err)
	} else if n > 0 {
		slog.Warn("Aborted open cost sessions on shutdown", "count", n)
	}
	abortCancel()

	slog.Info("Shutdown complete")
}
