package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"AgentHub-Chain/internal/archive"
	"AgentHub-Chain/internal/config"
	"AgentHub-Chain/internal/conversation"
	"AgentHub-Chain/internal/fetch"
	"AgentHub-Chain/internal/llm"
	"AgentHub-Chain/internal/llm/ollama"
	"AgentHub-Chain/internal/llm/openai"
	"AgentHub-Chain/internal/observability/alerting"
	"AgentHub-Chain/internal/ratelimit"
	"AgentHub-Chain/internal/realtime"
	"AgentHub-Chain/internal/storage/mysql"
	redisstore "AgentHub-Chain/internal/storage/redis"
	"AgentHub-Chain/internal/web3/ethereum"
	"AgentHub-Chain/pkg/logger"
)

// defaultFetchOptions 是内容分析型智能体使用的抓取选项。
var defaultFetchOptions = fetch.Options{
	IncludeLinks:     true,
	IncludeTables:    true,
	MaxContentLength: 20000,
}

func buildLimiter(ctx context.Context, cfg config.LimiterConfig) (ratelimit.Limiter, error) {
	switch cfg.Driver {
	case "", "memory":
		return ratelimit.NewMemoryLimiter(
			ratelimit.WithLimit(cfg.Limit),
			ratelimit.WithWindow(cfg.Window()),
		), nil
	case "redis":
		return ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Limit:    cfg.Limit,
			Window:   cfg.Window(),
		})
	default:
		return nil, fmt.Errorf("未知的限流驱动: %s", cfg.Driver)
	}
}

func buildFetchCache(ctx context.Context, cfg config.FetchConfig) (*fetch.Cache, error) {
	var store fetch.Store
	switch cfg.Store {
	case "", "memory":
		store = fetch.NewMemoryStore(0)
	case "redis":
		client, err := redisstore.Open(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		store = fetch.NewRedisStore(client, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Store)
	}

	direct := fetch.NewDirectFetcher(fetch.DirectConfig{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		PerDomainRPS:  cfg.PerDomainRPS,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		AllowPrivate:  cfg.AllowPrivate,
	})
	opts := []fetch.Option{
		fetch.WithStore(store),
		fetch.WithFreshness(cfg.Freshness()),
		fetch.WithTimeout(cfg.Timeout()),
	}
	if cfg.PrimaryURL != "" {
		service := fetch.NewServiceFetcher(cfg.PrimaryURL, &http.Client{Timeout: cfg.Timeout()})
		opts = append(opts, fetch.WithPrimary(service), fetch.WithFallback(direct))
	} else {
		opts = append(opts, fetch.WithPrimary(direct))
	}
	return fetch.NewCache(opts...), nil
}

func buildCompletion(cfg config.LLMConfig) (llm.StreamClient, error) {
	var client llm.StreamClient
	switch cfg.Provider {
	case "", "ollama":
		client = ollama.NewClient(ollama.Config{
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
			Timeout: cfg.Ollama.Timeout(),
		})
	case "openai":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		c, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
	if !cfg.Breaker.Enabled {
		return client, nil
	}
	return llm.NewBreakerClient(client, llm.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}), nil
}

// transcriptStore 同时保存对话消息与归档回执。
type transcriptStore interface {
	conversation.Repository
	conversation.ReceiptStore
	Ping(ctx context.Context) error
	Close() error
}

func buildTranscripts(ctx context.Context, cfg *config.Config) (transcriptStore, error) {
	store := cfg.Storage.Transcripts
	switch store.Driver {
	case "", "memory":
		return mysql.NewMemoryMessageRepository(cfg.Runtime.DataDir, store.HistoryLimit)
	case "mysql":
		return mysql.NewSQLMessageRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(store.ConnMaxIdleTimeSeconds) * time.Second,
			HistoryLimit:    store.HistoryLimit,
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

type archiveStack struct {
	service   *archive.Service
	processor *archive.Processor
	queue     archive.Queue
}

func (a *archiveStack) Close() error {
	if a.queue == nil {
		return nil
	}
	return a.queue.Close()
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig, receipts conversation.ReceiptStore, alerts alerting.Dispatcher) (*archiveStack, error) {
	pinata, err := archive.NewPinataClient(archive.PinataConfig{
		BaseURL:    cfg.PinataURL,
		GatewayURL: cfg.GatewayURL,
		APIKey:     strings.TrimSpace(os.Getenv(cfg.APIKeyEnv)),
		SecretKey:  strings.TrimSpace(os.Getenv(cfg.SecretKeyEnv)),
		Timeout:    30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var queue archive.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = archive.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		q, err := archive.NewRedisQueue(ctx, archive.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := archive.NewRabbitMQQueue(archive.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}

	return &archiveStack{
		service: archive.NewService(pinata, receipts, queue, cfg.MaxRetries),
		processor: archive.NewProcessor(pinata, receipts, queue, queue,
			archive.WithWorkerCount(cfg.Queue.Workers),
			archive.WithAlertDispatcher(alerts),
		),
		queue: queue,
	}, nil
}

func buildPayments(ctx context.Context, cfg config.PaymentsConfig) (*ethereum.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.VerifyTimeout())
	defer cancel()
	return ethereum.NewClient(dialCtx, cfg.RPCURL)
}

func buildSupervisor(cfg config.RealtimeConfig, alerts alerting.Dispatcher) *realtime.Supervisor {
	dialer := realtime.WebsocketDialer{HandshakeTimeout: time.Duration(cfg.HandshakeSecond) * time.Second}
	return realtime.NewSupervisor(dialer,
		realtime.WithBackoff(time.Duration(cfg.BaseDelayMs)*time.Millisecond, time.Duration(cfg.MaxDelayMs)*time.Millisecond),
		realtime.WithMaxAttempts(cfg.MaxAttempts),
		realtime.WithAlerts(alerts),
	)
}

// openEndpoints 连接配置的实时通道。首次拨号失败会进入重连流程，这里只记录日志。
func openEndpoints(ctx context.Context, s *realtime.Supervisor, endpoints []config.EndpointConfig) {
	log := logger.Named("realtime")
	for _, ep := range endpoints {
		if err := s.Open(ctx, ep.ID, ep.URL, agentMetricsListener(log)); err != nil {
			log.Warn("实时通道首次连接失败", slog.String("id", ep.ID), logger.Err(err))
		}
	}
}

// agentMetricsListener 记录对端推送的 agent.metrics 消息与连接错误。
func agentMetricsListener(log *slog.Logger) realtime.Listener {
	return func(ev realtime.Event) {
		if ev.Err != nil {
			log.Warn("实时通道事件错误", slog.String("id", ev.ConnectionID), logger.Err(ev.Err))
			return
		}
		if ev.Message.Type != "agent.metrics" {
			return
		}
		log.Info("收到智能体指标",
			slog.String("id", ev.ConnectionID),
			slog.String("payload", string(ev.Message.Payload)),
		)
	}
}
