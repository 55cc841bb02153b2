package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/audit"
	"github.com/openloom/loom/go/orchestrator/internal/budget"
	"github.com/openloom/loom/go/orchestrator/internal/circuitbreaker"
	"github.com/openloom/loom/go/orchestrator/internal/config"
	"github.com/openloom/loom/go/orchestrator/internal/httpapi"
	"github.com/openloom/loom/go/orchestrator/internal/llm"
	"github.com/openloom/loom/go/orchestrator/internal/memory"
	_ "github.com/openloom/loom/go/orchestrator/internal/metrics" // collector registration
	"github.com/openloom/loom/go/orchestrator/internal/orchestrator"
	"github.com/openloom/loom/go/orchestrator/internal/pricing"
	"github.com/openloom/loom/go/orchestrator/internal/prompt"
	"github.com/openloom/loom/go/orchestrator/internal/streaming"
	"github.com/openloom/loom/go/orchestrator/internal/tools"
	"github.com/openloom/loom/go/orchestrator/internal/tracing"
	"github.com/openloom/loom/go/orchestrator/internal/workflow"
)

func main() {
	features, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(features)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      features.Observability.Tracing.Enabled,
		ServiceName:  features.Observability.Tracing.ServiceName,
		OTLPEndpoint: features.Observability.Tracing.OTLPEndpoint,
		SampleRatio:  features.Observability.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores.
	var db *sqlx.DB
	if dsn := features.Stores.PostgresDSN; dsn != "" {
		db, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
	} else {
		logger.Warn("no postgres DSN configured, budgets run in-memory only")
	}

	rdb := redis.NewClient(&redis.Options{Addr: features.Stores.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect redis", zap.String("addr", features.Stores.RedisAddr), zap.Error(err))
	}

	prices := pricing.Load("", logger)

	auditLog := audit.NewLogger(logger)
	budgetMgr := budget.NewManager(db, logger, budget.Options{
		DefaultDailyUSD:   features.Budget.DefaultDailyUSD,
		DefaultMonthlyUSD: features.Budget.DefaultMonthlyUSD,
		RequestsPerSecond: features.Budget.RequestsPerSecond,
		Burst:             features.Budget.Burst,
	})

	// Workflow service, with a Temporal engine when a cluster is configured.
	var engine workflow.Engine
	if hp := features.Workflow.TemporalHostPort; hp != "" {
		tc, err := temporalclient.Dial(temporalclient.Options{
			HostPort:  hp,
			Namespace: features.Workflow.TemporalNamespace,
			Logger:    workflow.NewZapAdapter(logger.Named("temporal")),
		})
		if err != nil {
			logger.Fatal("connect temporal", zap.Error(err))
		}
		defer tc.Close()
		engine = workflow.NewTemporalEngine(tc, logger)
		logger.Info("temporal engine connected", zap.String("host_port", hp))
	} else {
		logger.Warn("no temporal cluster configured, workflow dispatch disabled")
	}

	queue := workflow.NewRedisQueue(rdb, features.Workflow.QueueKey)
	workflowSvc := workflow.NewService(workflow.NewStore(rdb), queue, engine, tools.AllowAll{}, auditLog, logger)
	if engine != nil {
		worker := workflow.NewWorker(queue, workflowSvc, logger.Named("worker"))
		go worker.Run(ctx)
	}

	// Tools.
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		logger.Fatal("register builtin tools", zap.Error(err))
	}
	executor := tools.NewExecutor(registry, tools.AllowAll{}, budgetMgr, workflowSvc, auditLog, logger)

	// Model catalog with per-provider gateway clients behind breakers.
	entries := make([]llm.ModelEntry, 0, len(features.Models))
	clients := make(map[string]llm.Client)
	for _, m := range features.Models {
		entries = append(entries, llm.ModelEntry{
			Model:           m.Model,
			Provider:        m.Provider,
			MaxInputTokens:  m.MaxInputTokens,
			MaxOutputTokens: m.MaxOutputTokens,
			Tier:            m.Tier,
		})
		if _, ok := clients[m.Provider]; !ok {
			gateway := llm.NewGatewayClient(m.Provider, m.GatewayURL, 0, logger)
			clients[m.Provider] = circuitbreaker.WrapClient(
				"llm_"+m.Provider, gateway, circuitbreaker.DefaultConfig(), logger)
		}
	}
	catalog := llm.NewCatalog(entries, clients)

	streams := streaming.NewManager(256)
	orch := orchestrator.New(
		catalog,
		prompt.NewAssembler(nil, logger),
		executor,
		memory.NewExtractor(logger),
		budgetMgr,
		prices,
		streams,
		logger,
	)
	// HTTP surfaces: request dispatch, SSE stream, workflow webhook.
	runDefaults := orchestrator.Config{
		MaxIterations:   features.Orchestrator.MaxIterations,
		MaxToolCalls:    features.Orchestrator.MaxToolCalls,
		TotalTimeout:    features.Orchestrator.TotalTimeout,
		ToolCallTimeout: features.Orchestrator.ToolCallTimeout,
		MaxOutputTokens: features.Orchestrator.MaxOutputTokens,
		Temperature:     features.Orchestrator.Temperature,
	}
	mux := http.NewServeMux()
	httpapi.NewRequestHandler(orch, registry, runDefaults, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(mux)
	httpapi.NewWebhookHandler(workflowSvc, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(features.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.Int("port", features.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	if features.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", features.Observability.Metrics.Port),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server listening", zap.Int("port", features.Observability.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), features.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(f *config.Features) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(f.Observability.Logging.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var cfg zap.Config
	if f.Observability.Logging.Format == "console" || os.Getenv("LOG_FORMAT") == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level
	return cfg.Build()
}
