// router runs the smart market-data routing service. It answers data
// requests over HTTP, choosing REST or WebSocket per request, and
// optionally archives unified records to PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"upbitflow/internal/archive"
	"upbitflow/internal/cache"
	"upbitflow/internal/config"
	"upbitflow/internal/database"
	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
	"upbitflow/internal/rest"
	"upbitflow/internal/routing"
	"upbitflow/internal/selector"
	"upbitflow/internal/stream"
	"upbitflow/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/router.example.yaml", "path to config file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	// Environment variables referenced by the config file may live in .env
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting router",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"rest_url", cfg.Exchange.RestURL,
		"ws_url", cfg.Exchange.WSURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	limiter := ratelimit.New(limiterConfig(cfg.RateLimit), logger)

	restClient := rest.NewClient(
		cfg.Exchange.RestURL,
		rest.WithLogger(logger),
		rest.WithTimeout(cfg.Exchange.Timeout),
		rest.WithRetries(cfg.Exchange.MaxRetries, cfg.Exchange.RetryBackoff),
		rest.WithRateGate(limiter),
	)

	streams := stream.NewManager(managerConfig(cfg), limiter, logger)
	if err := streams.Start(ctx); err != nil {
		logger.Error("failed to start subscription manager", "error", err)
		os.Exit(1)
	}
	defer streams.Stop()

	responseCache := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL: map[model.DataType]time.Duration{
			model.DataTrade:  cfg.Cache.TradesTTL,
			model.DataCandle: cfg.Cache.CandlesTTL,
		},
	})

	sel := selector.NewChannelSelector(selector.NewFrequencyAnalyzer(), streams)

	routerOpts := []routing.Option{routing.WithLogger(logger)}

	var recorder *archive.Recorder
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"database", cfg.Archive.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			logger.Error("failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		recorder = archive.NewRecorder(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, pool, logger)
		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start archive recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			recorder.Stop(stopCtx)
		}()

		routerOpts = append(routerOpts, routing.WithRecordSink(recorder))
	}

	router := routing.NewRouter(
		routing.Config{DataWaitTimeout: cfg.Streams.DataWaitTimeout},
		restClient,
		streams,
		sel,
		responseCache,
		routerOpts...,
	)

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: newHandler(router, streams, limiter, logger),
	}

	go func() {
		logger.Info("http server listening", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Stats printer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := router.Metrics()
				s := streams.Stats()
				logger.Info("stats",
					"requests", m.TotalRequests,
					"cache_hits", m.CacheHits,
					"failures", m.Failures,
					"avg_latency_ms", m.AvgLatencyMS,
					"transports_connected", s.ConnectedTransports,
					"subs_active", s.ActiveSubscriptions,
				)
			}
		}
	}()

	logger.Info("router running", "instance_id", cfg.Instance.ID)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("router stopped")
}

func limiterConfig(rl config.RateLimitConfig) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.SafetyMargin = rl.SafetyMargin
	cfg.BackoffBase = rl.BackoffBase
	cfg.BackoffMax = rl.BackoffMax
	cfg.Limits = map[ratelimit.Category]ratelimit.Limit{
		ratelimit.CategoryREST:      {PerSecond: rl.REST.PerSecond, PerMinute: rl.REST.PerMinute},
		ratelimit.CategoryWSConnect: {PerSecond: rl.WSConnect.PerSecond, PerMinute: rl.WSConnect.PerMinute},
		ratelimit.CategoryWSMessage: {PerSecond: rl.WSMessage.PerSecond, PerMinute: rl.WSMessage.PerMinute},
	}
	cfg.Global = ratelimit.Limit{PerSecond: rl.Global.PerSecond, PerMinute: rl.Global.PerMinute}
	return cfg
}

func managerConfig(cfg *config.RouterConfig) stream.ManagerConfig {
	mc := stream.DefaultManagerConfig()
	mc.MaxConnections = cfg.Streams.MaxConnections
	mc.MaxSubsPerConnection = cfg.Streams.MaxSubsPerConnection
	mc.SubscribeTimeout = cfg.Streams.SubscribeTimeout
	mc.IdleTimeout = cfg.Streams.IdleTimeout
	mc.SweepInterval = cfg.Streams.SweepInterval
	mc.EvictIdleAfter = cfg.Streams.EvictIdleAfter
	mc.TradeRingSize = cfg.Streams.TradeRingSize
	mc.Transport = stream.TransportConfig{
		URL:                  cfg.Exchange.WSURL,
		ConnectTimeout:       cfg.Exchange.Timeout,
		WriteTimeout:         5 * time.Second,
		PingInterval:         cfg.Streams.PingInterval,
		BufferSize:           cfg.Streams.BufferSize,
		ReconnectMaxAttempts: cfg.Streams.ReconnectMaxAttempts,
		ReconnectBase:        cfg.Streams.ReconnectBaseDelay,
		ReconnectMax:         cfg.Streams.ReconnectMaxDelay,
	}
	return mc
}

// newHandler builds the HTTP surface: data requests plus health and
// metrics endpoints.
func newHandler(router *routing.Router, streams stream.Manager, limiter *ratelimit.Limiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/data", func(w http.ResponseWriter, r *http.Request) {
		// Decoding leaves absent fields untouched, so caching stays on
		// unless the caller disables it explicitly.
		req := model.DataRequest{UseCache: true}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		resp := router.GetData(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		if !resp.Success {
			w.WriteHeader(http.StatusBadGateway)
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := streams.Stats()
		health := map[string]any{
			"status": "healthy",
			"components": map[string]any{
				"transports": map[string]any{
					"total":     stats.Transports,
					"connected": stats.ConnectedTransports,
				},
				"subscriptions": map[string]any{
					"total":  stats.Subscriptions,
					"active": stats.ActiveSubscriptions,
					"error":  stats.ErrorSubscriptions,
				},
			},
		}
		if stats.ErrorSubscriptions > 0 {
			health["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"router":     router.Metrics(),
			"streams":    streams.Stats(),
			"rate_limit": limiter.Stats(),
		})
	})

	return mux
}
