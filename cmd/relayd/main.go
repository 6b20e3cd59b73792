package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pmdata/relayd/internal/book"
	"github.com/pmdata/relayd/internal/catalog"
	"github.com/pmdata/relayd/internal/config"
	"github.com/pmdata/relayd/internal/discovery"
	"github.com/pmdata/relayd/internal/lifecycle"
	"github.com/pmdata/relayd/internal/link"
	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/relay"
	"github.com/pmdata/relayd/internal/tick"
	"github.com/pmdata/relayd/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relayd.local.yaml", "path to config file")
	flag.Parse()

	// Optional .env for credentials referenced via ${VAR} in the config.
	godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
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

	counters := metrics.New()

	// Optional instrument catalog.
	var store *catalog.Store
	var lcCatalog lifecycle.Catalog
	if cfg.Catalog.Enabled() {
		logger.Info("connecting to catalog database",
			"host", cfg.Catalog.Host,
			"port", cfg.Catalog.Port,
			"database", cfg.Catalog.Name,
		)
		store, err = catalog.Connect(ctx, cfg.Catalog, logger)
		if err != nil {
			logger.Error("failed to connect to catalog database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		lcCatalog = store
		logger.Info("catalog connected")
	}

	// Tick persistence.
	writer, err := tick.NewWriter(tick.Config{
		Dir:           cfg.Writer.Dir,
		FlushSize:     cfg.Writer.FlushSize,
		FlushInterval: cfg.Writer.FlushInterval,
	}, counters, logger)
	if err != nil {
		logger.Error("failed to create tick writer", "error", err)
		os.Exit(1)
	}
	defer writer.Close()

	// Downstream fan-out.
	hub := relay.NewHub(relay.Config{
		Addr:          cfg.Relay.Addr,
		SweepInterval: cfg.Relay.SweepInterval,
		ProducerGrace: cfg.Relay.ProducerGrace,
		WriteTimeout:  cfg.Relay.WriteTimeout,
	}, counters, logger)
	if err := hub.Start(ctx); err != nil {
		logger.Error("failed to start relay hub", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		hub.Stop(shutdownCtx)
	}()

	// Upstream book feed. Sinks run in registration order; the hub sees
	// each event before it is buffered for persistence.
	linkCfg := link.Config{
		URL:               cfg.Upstream.URL,
		ReconnectDelay:    cfg.Upstream.ReconnectDelay,
		HeartbeatInterval: cfg.Upstream.HeartbeatInterval,
		StaleTimeout:      cfg.Upstream.StaleTimeout,
		WriteTimeout:      cfg.Upstream.WriteTimeout,
	}
	normalizer := book.New(
		book.Config{DepthLevels: cfg.Upstream.DepthLevels},
		linkCfg,
		link.NewWSDialer(cfg.Upstream.WriteTimeout),
		counters,
		logger,
	)
	normalizer.AddSink(hub)
	normalizer.AddSink(writer)
	normalizer.Start()
	defer normalizer.Stop()

	// Discovery and lifecycle.
	disc := discovery.NewClient(cfg.Discovery.URL,
		discovery.WithLogger(logger),
		discovery.WithTimeout(cfg.Discovery.Timeout),
		discovery.WithRetries(cfg.Discovery.MaxRetries, time.Second),
		discovery.WithRateLimit(cfg.Discovery.RateLimit),
	)
	manager := lifecycle.NewManager(lifecycle.Config{
		PollInterval: cfg.Discovery.PollInterval,
		GraceWindow:  cfg.Lifecycle.GraceWindow,
		Categories:   cfg.Discovery.Categories,
		DenyKeywords: cfg.Discovery.DenyKeywords,
		MinTokens:    cfg.Lifecycle.MinTokens,
	}, disc, normalizer, lcCatalog, counters, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start lifecycle manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		manager.Stop(shutdownCtx)
	}()

	// Health and debug endpoints.
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(store, manager, normalizer, hub, writer, counters),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("relayd running",
		"instance_id", cfg.Instance.ID,
		"relay_addr", cfg.Relay.Addr,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("relayd stopped")
}

// buildLogger creates the operational logger: stdout, teed into a rotated
// file when one is configured.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(store *catalog.Store, manager *lifecycle.Manager, normalizer *book.Normalizer, hub *relay.Hub, writer *tick.Writer, counters *metrics.Counters) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if store != nil {
			if err := store.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["catalog"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["catalog"] = "connected"
			}
		}

		bookStats := normalizer.Stats()
		if !bookStats.Connected {
			health.Status = "degraded"
		}
		health.Components["upstream"] = map[string]any{
			"connected": bookStats.Connected,
			"tokens":    bookStats.TokensWatched,
			"books":     bookStats.BooksHeld,
		}

		lcStats := manager.Stats()
		health.Components["lifecycle"] = map[string]any{
			"active_instruments": lcStats.ActiveInstruments,
			"last_refresh":       lcStats.LastRefresh,
		}

		hubStats := hub.Stats()
		health.Components["relay"] = map[string]any{
			"market_subscribers": hubStats.MarketSubscribers,
			"desk_subscribers":   hubStats.DeskSubscribers,
			"producers":          hubStats.Producers,
		}

		writerStats := writer.Stats()
		health.Components["tick_writer"] = map[string]any{
			"buffered": writerStats.BufferedEvents,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counters.Snapshot())
	})

	mux.HandleFunc("/debug/instruments", func(w http.ResponseWriter, r *http.Request) {
		instruments := manager.ActiveInstruments()
		limit := 100
		shown := instruments
		if len(shown) > limit {
			shown = shown[:limit]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":       len(instruments),
			"showing":     len(shown),
			"instruments": shown,
		})
	})

	return mux
}
