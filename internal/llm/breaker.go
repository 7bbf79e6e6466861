package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/pkg/logger"
)

// BreakerConfig 配置熔断器。
type BreakerConfig struct {
	// FailureThreshold 连续失败多少次后打开熔断器。
	FailureThreshold uint32
	// OpenTimeout 熔断器保持打开的时长，之后进入半开状态。
	OpenTimeout time.Duration
	// HalfOpenRequests 半开状态允许通过的探测请求数。
	HalfOpenRequests uint32
}

// BreakerClient 用熔断器包装 StreamClient。只有建流阶段计入失败，
// 流建立之后的读取错误由调用方处理。
type BreakerClient struct {
	inner   StreamClient
	breaker *gobreaker.CircuitBreaker[ChunkStream]
}

// NewBreakerClient 创建带熔断的客户端。
func NewBreakerClient(inner StreamClient, cfg BreakerConfig) *BreakerClient {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	log := logger.Named("llm")
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[ChunkStream](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("补全服务熔断状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不算上游故障。
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerClient{inner: inner, breaker: cb}
}

// Name 实现 StreamClient。
func (c *BreakerClient) Name() string { return c.inner.Name() }

// Stream 实现 StreamClient。
func (c *BreakerClient) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	stream, err := c.breaker.Execute(func() (ChunkStream, error) {
		return c.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "补全服务熔断中",
				xerrors.WithMetadata("provider", c.inner.Name()))
		}
		return nil, err
	}
	return stream, nil
}

// Ping 透传健康检查，熔断器打开时直接返回失败。
func (c *BreakerClient) Ping(ctx context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return xerrors.New(xerrors.CodeUpstreamUnavailable, "补全服务熔断中")
	}
	if p, ok := c.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State 返回熔断器状态。
func (c *BreakerClient) State() gobreaker.State {
	return c.breaker.State()
}
