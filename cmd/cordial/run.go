package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/cordial/internal/activations"
	"github.com/haasonsaas/cordial/internal/agent"
	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/contextbuilder"
	"github.com/haasonsaas/cordial/internal/credits"
	"github.com/haasonsaas/cordial/internal/events"
	"github.com/haasonsaas/cordial/internal/images"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/observability"
	"github.com/haasonsaas/cordial/internal/state"
	"github.com/haasonsaas/cordial/internal/toolcache"
	"github.com/haasonsaas/cordial/internal/tools"
	"github.com/haasonsaas/cordial/internal/transport/discord"
)

func buildRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cordial.yaml", "Path to configuration file")
	return cmd
}

func runAgent(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshot := config.NewSnapshot(cfg)
	go func() {
		if err := config.Watch(ctx, configPath, snapshot, logger); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, logger)
	}

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	toolCache, err := toolcache.Open(filepath.Join(cfg.CacheDir, "toolcache.db"))
	if err != nil {
		return fmt.Errorf("open tool cache: %w", err)
	}
	defer toolCache.Close()
	activationStore, err := activations.Open(filepath.Join(cfg.CacheDir, "activations.db"))
	if err != nil {
		return fmt.Errorf("open activation store: %w", err)
	}
	defer activationStore.Close()
	imageCache, err := images.NewCache(filepath.Join(cfg.CacheDir, "images"))
	if err != nil {
		return fmt.Errorf("open image cache: %w", err)
	}

	provider, err := buildProvider()
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	executor := tools.NewExecutor(registry, nil, logger)

	creditClient := credits.New(cfg.Credits.Endpoint, cfg.Credits.APIKey, logger)
	stateStore := state.NewStore()
	builder := contextbuilder.New(logger)

	var wg sync.WaitGroup
	for _, bot := range cfg.Bots {
		queue := events.NewQueue(cfg.QueueSize,
			events.WithDedupe(10*time.Minute),
			events.WithDropHandler(func(reason events.DropReason) {
				metrics.EventDrops.WithLabelValues(string(reason)).Inc()
			}),
		)
		adapter, err := discord.New(discord.Config{
			Token:      bot.Token,
			Queue:      queue,
			ImageCache: imageCache,
			Logger:     logger.With("bot", bot.ID),
		})
		if err != nil {
			return fmt.Errorf("bot %s: %w", bot.ID, err)
		}

		botID := bot.ID
		scheduler := &agent.Scheduler{
			BotConfig:   func() config.BotConfig { return currentBot(snapshot, botID) },
			Adapter:     adapter,
			Provider:    provider,
			Executor:    executor,
			State:       stateStore,
			ToolCache:   toolCache,
			Activations: activationStore,
			Credits:     creditClient,
			Builder:     builder,
			Metrics:     metrics,
			Tracer:      tracer,
			TracesDir:   cfg.TracesDir,
			Logger:      logger.With("bot", bot.ID),
		}
		loop := &agent.Loop{Queue: queue, Scheduler: scheduler, Logger: logger.With("bot", bot.ID)}

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := adapter.Run(ctx); err != nil {
				logger.Error("adapter stopped", "bot", botID, "error", err)
				stop()
			}
		}()
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	logger.Info("cordial started", "bots", len(cfg.Bots))
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

// buildProvider assembles the model router from the configured API
// keys. At least one provider key is required.
func buildProvider() (llm.Provider, error) {
	var anthropicProvider, openaiProvider llm.Provider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		anthropicProvider = p
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		})
		if err != nil {
			return nil, err
		}
		openaiProvider = p
	}
	if anthropicProvider == nil && openaiProvider == nil {
		return nil, fmt.Errorf("no provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return llm.NewRouter(anthropicProvider, openaiProvider), nil
}

func currentBot(snapshot *config.Snapshot, botID string) config.BotConfig {
	for _, b := range snapshot.Current().Bots {
		if b.ID == botID {
			return b
		}
	}
	// The bot was removed from config mid-flight; keep the last known
	// identity inert.
	return config.BotConfig{ID: botID, APIOnly: true}
}

func serveMetrics(listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener started", "addr", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}
