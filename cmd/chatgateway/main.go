package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/admission"
	"github.com/felipepmaragno/chat-gateway/internal/api"
	"github.com/felipepmaragno/chat-gateway/internal/audit"
	"github.com/felipepmaragno/chat-gateway/internal/budget"
	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/clientkey"
	"github.com/felipepmaragno/chat-gateway/internal/config"
	"github.com/felipepmaragno/chat-gateway/internal/cost"
	"github.com/felipepmaragno/chat-gateway/internal/httputil"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/origin"
	"github.com/felipepmaragno/chat-gateway/internal/quota"
	"github.com/felipepmaragno/chat-gateway/internal/relay"
	"github.com/felipepmaragno/chat-gateway/internal/router"
	"github.com/felipepmaragno/chat-gateway/internal/secrets"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

const (
	serviceName = "chat-gateway"
	version     = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting chat gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	apiKey, err := upstreamAPIKey(ctx, cfg)
	if err != nil {
		slog.Error("failed to load upstream api key", "error", err)
		os.Exit(1)
	}

	storeOpts := quota.Options{
		Window: cfg.RateLimitWindow,
		// A slot outlives the longest possible stream.
		SlotTTL: cfg.StreamDeadline + 30*time.Second,
	}

	var (
		store       quota.Store
		redisClient *redis.Client
		checkers    []api.HealthChecker
		dedup       budget.AlertDeduplicator
		breaker     relay.Breaker
	)
	if cfg.RedisURL != "" {
		rs, err := quota.NewRedisStore(cfg.RedisURL, storeOpts)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		redisClient = rs.Client()
		store = rs
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(redisClient))
		dedup = budget.NewRedisDeduplicatorWithClient(redisClient, 48*time.Hour)
		breaker = circuitbreaker.NewRedisWithClient(redisClient, "upstream", circuitbreaker.DefaultConfig())
		slog.Info("using redis quota store")
	} else {
		store = quota.NewInMemoryStore(storeOpts)
		dedup = budget.NewInMemoryDeduplicator()
		breaker = circuitbreaker.NewInMemory(circuitbreaker.DefaultConfig())
		slog.Warn("using in-memory quota store, limits are per instance")
	}

	keys, err := clientKeyDeriver(cfg.ClientKeySecret)
	if err != nil {
		slog.Error("failed to set up client keys", "error", err)
		os.Exit(1)
	}

	unit, err := cost.ParseUnit(cfg.BudgetUnit)
	if err != nil {
		slog.Error("invalid budget unit", "error", err)
		os.Exit(1)
	}

	clientCfg := httputil.DefaultConfig()
	clientCfg.ResponseHeaderTimeout = cfg.UpstreamTimeout
	clientCfg.Headers = cfg.UpstreamHeaders()
	upstreamClient := httputil.NewClient(clientCfg)

	models := catalog.New(
		catalog.NewOpenAILister(cfg.UpstreamBaseURL, apiKey, upstreamClient),
		catalog.Config{
			DefaultModel:    cfg.DefaultModel,
			SeedModels:      cfg.SeedModels,
			AllowedModels:   cfg.AllowedModels,
			ExtraFreeModels: cfg.ExtraFreeModels,
		},
	)
	go models.Run(ctx, cfg.CatalogRefreshInterval)
	checkers = append(checkers, api.NewCatalogHealthChecker(models, 3*cfg.CatalogRefreshInterval))

	monitor := budget.NewMonitor(dedup, budget.DefaultThresholds())
	monitor.OnAlert(budget.LogAlertHandler)
	if cfg.BudgetAlertTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.BudgetAlertTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(budget.NotifyHandler(notifier))
		slog.Info("budget alerts published to sns", "topic", cfg.BudgetAlertTopicARN)
	}

	sinks := []audit.Sink{audit.NewLogSink(slog.Default())}
	if cfg.AuditQueueURL != "" {
		sqsSink, err := audit.NewSQSSink(ctx, cfg.AWSRegion, cfg.AuditQueueURL)
		if err != nil {
			slog.Error("failed to create sqs audit sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, sqsSink)
		slog.Info("audit events sent to sqs", "queue", cfg.AuditQueueURL)
	}
	auditor := audit.NewDispatcher(cfg.AuditBufferSize, sinks...)

	guard := origin.NewGuard(cfg.AllowedOrigins)

	controller := admission.New(admission.Config{
		RateLimit:        cfg.RateLimitPerMinute,
		MaxStreams:       cfg.MaxConcurrentStreams,
		DailyBudget:      cfg.DailyBudget,
		ReplayWindow:     cfg.ReplayWindow,
		RequireTimestamp: cfg.RequireTimestamp,
		RequireNonce:     cfg.RequireNonce,
	}, guard, store, router.New(models),
		admission.WithBudgetObserver(monitor),
		admission.WithAudit(auditor),
		admission.WithEstimator(cost.NewEstimator(unit)),
	)

	upstream := relay.New(relay.Config{
		BaseURL:        cfg.UpstreamBaseURL,
		APIKey:         apiKey,
		Timeout:        cfg.UpstreamTimeout,
		StreamDeadline: cfg.StreamDeadline,
	}, upstreamClient, relay.WithBreaker(breaker))

	handler := api.New(api.Config{
		Admitter:          controller,
		Relay:             upstream,
		Guard:             guard,
		ClientKey:         keys,
		Audit:             auditor,
		Models:            models,
		Checkers:          checkers,
		Version:           version,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams run up to the stream deadline.
		WriteTimeout: cfg.StreamDeadline + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...", "drain", cfg.DrainTimeout)
	handler.Readiness().Drain()
	time.Sleep(cfg.DrainTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	monitor.Wait()
	if err := auditor.Close(shutdownCtx); err != nil {
		slog.Warn("audit events lost on shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}

	slog.Info("server stopped")
}

// upstreamAPIKey prefers Secrets Manager when a secret id is configured.
func upstreamAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.UpstreamAPIKeySecretID == "" {
		return cfg.UpstreamAPIKey, nil
	}
	sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return "", err
	}
	return secrets.UpstreamAPIKey(ctx, sm, cfg.UpstreamAPIKeySecretID)
}

func clientKeyDeriver(secret string) (*clientkey.Deriver, error) {
	if secret != "" {
		return clientkey.New(secret)
	}
	slog.Warn("no client_key_secret configured, client keys change on restart and differ between instances")
	return clientkey.NewRandom()
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
