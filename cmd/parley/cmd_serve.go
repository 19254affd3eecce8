package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/user/parley/internal/attachment"
	"github.com/user/parley/internal/config"
	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/decider"
	"github.com/user/parley/internal/delivery"
	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/runtime/builtin"
	"github.com/user/parley/internal/scheduler"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/telegram"
	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/tracker"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/internal/webhook"
	"github.com/user/parley/pkg/llm"
	"github.com/user/parley/pkg/llm/anthropic"
	"github.com/user/parley/pkg/llm/openai"
)

var version = "dev"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the parley daemon",
	RunE:  runServe,
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	llmCfg := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		ModelSmall:  cfg.LLM.ModelSmall,
		ModelLarge:  cfg.LLM.ModelLarge,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "openai":
		return openai.New(llmCfg), nil
	case "anthropic":
		// The default base URL points at OpenAI.
		if strings.Contains(llmCfg.BaseURL, "api.openai.com") {
			llmCfg.BaseURL = ""
		}
		return anthropic.New(llmCfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
}

func runtimeConfig(cfg *config.Config) runtime.Config {
	rc := runtime.DefaultConfig()
	rc.AgentID = types.AgentID(cfg.Agent.ID)
	rc.AgentName = cfg.Agent.Name
	rc.Username = cfg.Agent.Username
	rc.Bio = cfg.Agent.Bio
	rc.Timeout = cfg.ResponseTimeout()
	rc.MaxRetries = cfg.Response.MaxRetries
	rc.MultiStep = cfg.Response.MultiStep
	rc.MaxMultiStepIterations = cfg.Response.MaxMultiStepIterations
	rc.ProviderTimeout = cfg.ProviderTimeout()
	rc.ActionPlanning = cfg.Response.ActionPlanning
	rc.DisableSupersedeCheck = cfg.Response.DisableSupersedeCheck
	rc.OffByDefault = cfg.Response.OffByDefault
	if cfg.Response.ModelSize != "" {
		rc.ModelSize = llm.ModelSize(strings.ToLower(cfg.Response.ModelSize))
	}

	channels := make([]types.ChannelType, 0, len(cfg.Response.AllowedChannelTypes))
	for _, c := range cfg.Response.AllowedChannelTypes {
		channels = append(channels, types.ChannelType(strings.ToUpper(c)))
	}
	rc.Policy = decider.Policy{
		AllowedChannelTypes: channels,
		AllowedSources:      cfg.Response.AllowedSources,
		AlwaysRespond:       cfg.Response.AlwaysRespond,
	}
	return rc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	rooms := state.NewRoomStore(cfg.DataDir)
	memories := state.NewMemoryStore(cfg.DataDir)
	events := state.NewEventStore(cfg.DataDir)
	artifacts := state.NewArtifactStore(cfg.DataDir)
	taskStore := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	engine, err := ctxengine.New(cfg.LLM.ModelSmall, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	// Telemetry
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)
	emitter := telemetry.NewEmitter(events, metrics, logger)

	tracer, shutdownTracing, err := telemetry.NewTracer(ctx, telemetry.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	inference := structured.NewGenerator(provider, structured.WithLogger(logger))
	rc := runtimeConfig(cfg)

	// Actions, providers and evaluators
	registry := runtime.NewRegistry()
	builtin.Register(registry, builtin.Deps{
		Texter:       inference,
		ModelSize:    rc.ModelSize,
		Memories:     memories,
		Fitter:       engine,
		RecentBudget: engine.Budget() / 2,
		AgentID:      rc.AgentID,
		AgentName:    rc.AgentName,
		DataDir:      cfg.DataDir,
		BraveAPIKey:  cfg.Brave.APIKey,
		Logger:       logger,
	})

	rt := runtime.New(rc, runtime.Deps{
		Inference:   inference,
		Engine:      engine,
		Memories:    memories,
		Rooms:       rooms,
		Artifacts:   artifacts,
		Registry:    registry,
		Tracker:     tracker.New(),
		Attachments: attachment.New(provider, attachment.WithLogger(logger)),
		Emitter:     emitter,
		Tracer:      tracer,
		Logger:      logger,
	})

	gw := gateway.New(rooms, rc.AgentID, int64(cfg.MaxConcurrent))
	gw.Queue.SetProcessor(rt.ProcessRun)
	gw.Start(ctx)
	defer gw.Stop()

	logger.Info("parley started",
		"version", version,
		"agent", rc.AgentName,
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"model_small", cfg.LLM.ModelSmall,
		"model_large", cfg.LLM.ModelLarge,
		"multi_step", rc.MultiStep,
		"pid_file", pidPath,
	)

	deliveryReg := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, rooms, events, rc.AgentID, logger)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register("telegram", adapter.Deliver)
		go adapter.Start(ctx)
		logger.Info("telegram adapter started")
	} else {
		logger.Warn("telegram adapter disabled (no token)")
	}

	dispatcher := scheduler.NewDispatcher(gw, deliveryReg, logger)
	sched := scheduler.New(taskStore, dispatcher.Handle, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	logger.Info("scheduler started")

	if cfg.HTTP.Enabled {
		srv := webhook.NewServer(webhook.Options{
			Gateway:  gw,
			Tasks:    taskStore,
			Firer:    dispatcher,
			Rooms:    rooms,
			Memories: memories,
			Events:   events,
			Gatherer: promReg,
			Logger:   logger,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	return waitForSignal(cfg.DataDir, pidPath, logger)
}

// waitForSignal blocks until SIGINT or SIGTERM. SIGHUP re-executes the
// binary in place.
func waitForSignal(dataDir, pidPath string, logger *slog.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				logger.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				logger.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(dataDir); writeErr != nil {
					logger.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		logger.Info("shutting down", "signal", sig)
		return nil
	}
}
