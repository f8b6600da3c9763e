package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grist-agent/internal/adapter/gateway"
	"grist-agent/internal/adapter/grist"
	"grist-agent/internal/adapter/llm"
	"grist-agent/internal/adapter/tool"
	"grist-agent/internal/domain"
	"grist-agent/internal/infra/config"
	"grist-agent/internal/infra/logger"
	"grist-agent/internal/infra/tracer"
	"grist-agent/internal/usecase"
	"grist-agent/internal/usecase/document"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// runtime bundles the long-lived components built from config.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	llm     domain.LLMProvider
	cleanup []func() error
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		if err := r.cleanup[i](); err != nil {
			r.log.Warn("cleanup failed", "error", err)
		}
	}
}

// bootstrap loads config and sets up logging, tracing and the LLM provider.
func bootstrap(ctx context.Context) (*runtime, error) {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log, cleanup: []func() error{logCloser}}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.cleanup = append(rt.cleanup, func() error { return tracerShutdown(context.Background()) })

	// 3. LLM provider
	rt.llm = llm.NewProvider(cfg.LLM, log)
	return rt, nil
}

func runServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, log := rt.cfg, rt.log

	if cfg.LLM.Provider.APIKey == "" {
		log.Warn("no LLM API key configured; requests will fail until one is set",
			"env", config.EnvPrefix+"LLM_API_KEY")
	}

	// 4. Capability probe
	if cfg.Agent.ProbeOnStart {
		res := usecase.Probe(ctx, rt.llm, cfg.LLM.Provider.Model, log)
		if !res.Supported {
			log.Warn("model may not support function calling",
				"model", cfg.LLM.Provider.Model, "warning", res.Warning, "error", res.Error)
		}
	}

	// 5. Grist client and tool catalog
	base := grist.NewClient(cfg.Grist, log)
	catalog, err := tool.NewCatalog(log)
	if err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}

	// 6. Confirmation gate
	confirmSvc, closeStore, err := buildConfirmService(ctx, cfg.Confirmation, log)
	if err != nil {
		return fmt.Errorf("confirmation: %w", err)
	}
	if closeStore != nil {
		rt.cleanup = append(rt.cleanup, closeStore)
	}

	// 7. Gateway
	handler := gateway.NewHandler(gateway.HandlerDeps{
		Grist: func(token string) domain.GristClient {
			return base.WithToken(token)
		},
		Catalog: catalog,
		LLM:     rt.llm,
		Confirm: confirmSvc,
		Agent:   cfg.Agent,
		LLMConf: cfg.LLM,
		Document: document.Config{
			ValidationEnabled: cfg.Validation.Enabled,
			BulkThreshold:     cfg.Confirmation.BulkThreshold,
		},
		Logger:  log,
		Version: version,
	})
	srv := gateway.NewServer(cfg.Gateway, handler, log)

	log.Info("grist-agent starting",
		"version", version,
		"model", cfg.LLM.Provider.Model,
		"grist", cfg.Grist.BaseURL,
		"tools", len(catalog.Specs()),
		"confirmation", confirmSvc != nil,
		"store", cfg.Confirmation.Store,
	)

	return srv.Start(ctx)
}
