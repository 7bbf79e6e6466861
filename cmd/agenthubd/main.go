package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/api"
	"AgentHub-Chain/internal/config"
	"AgentHub-Chain/internal/observability/alerting"
	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/internal/orchestrator"
	"AgentHub-Chain/pkg/logger"
)

// main 是 AgentHub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agenthubd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTHUB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agenthub.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	logr := logger.Named("agenthubd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	registry, err := agent.LoadCatalog(cfg.Agents.CatalogPath)
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(ctx, cfg.Limiter)
	if err != nil {
		return err
	}
	defer limiter.Close()

	contentCache, err := buildFetchCache(ctx, cfg.Fetch)
	if err != nil {
		return err
	}
	defer contentCache.Close()

	completion, err := buildCompletion(cfg.LLM)
	if err != nil {
		return err
	}

	transcripts, err := buildTranscripts(ctx, cfg)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	opts := []orchestrator.Option{
		orchestrator.WithContentFetcher(contentCache, defaultFetchOptions),
		orchestrator.WithHistoryWindow(cfg.Agents.ContextWindow),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Archive.Enabled {
		arch, err := buildArchive(ctx, cfg.Archive, transcripts, alerts)
		if err != nil {
			return err
		}
		defer arch.Close()
		opts = append(opts, orchestrator.WithArchive(arch.service, cfg.Archive.AppendReceipt))
		group.Go(func() error {
			if err := arch.processor.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.Payments.RPCURL != "" {
		verifier, err := buildPayments(ctx, cfg.Payments)
		if err != nil {
			return err
		}
		defer verifier.Close()
		opts = append(opts, orchestrator.WithPaymentVerifier(verifier, cfg.Payments.VerifyTimeout()))
	}

	supervisor := buildSupervisor(cfg.Realtime, alerts)
	defer supervisor.Shutdown()
	openEndpoints(ctx, supervisor, cfg.Realtime.Endpoints)
	opts = append(opts, orchestrator.WithRealtime(supervisor))

	orch, err := orchestrator.New(registry, limiter, completion, transcripts, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			if err := metrics.StartServer(groupCtx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	server := api.NewServer(cfg.Server.Address, orch)
	group.Go(func() error {
		if err := server.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logr.Info("agenthubd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("llm", completion.Name()),
		slog.Int("agents", len(registry.List())),
	)
	err = group.Wait()
	logr.Info("agenthubd 已停止")
	return err
}
