package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisstore "AgentHub-Chain/internal/storage/redis"
	"AgentHub-Chain/pkg/logger"
)

// RedisConfig 描述共享限流窗口所用的 Redis 连接。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Limit    int
	Window   time.Duration
	// Timeout 限制单次 Redis 调用的耗时，限流不应阻塞请求路径。
	Timeout time.Duration
}

// RedisLimiter 使用有序集合保存每个用户的请求时间戳，分值为毫秒时间。
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewRedisLimiter 创建 Redis 限流器并检查连通性。
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
	client, err := redisstore.Open(ctx, redisstore.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return NewRedisLimiterWithClient(client, cfg), nil
}

// NewRedisLimiterWithClient 基于已有客户端创建限流器。
func NewRedisLimiterWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisLimiter {
	l := &RedisLimiter{
		client:  client,
		prefix:  cfg.Prefix,
		limit:   cfg.Limit,
		window:  cfg.Window,
		timeout: cfg.Timeout,
		now:     time.Now,
		log:     logger.Named("ratelimit"),
	}
	if l.prefix == "" {
		l.prefix = "agenthub:ratelimit"
	}
	if l.limit <= 0 {
		l.limit = DefaultLimit
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.timeout <= 0 {
		l.timeout = 200 * time.Millisecond
	}
	return l
}

func (l *RedisLimiter) key(userID string) string {
	return l.prefix + ":" + userID
}

// Allow 统计窗口内的记录数。Redis 不可用时放行并记录日志。
func (l *RedisLimiter) Allow(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cutoff := l.now().Add(-l.window).UnixMilli()
	count, err := l.client.ZCount(ctx, l.key(userID), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		l.log.Warn("读取限流窗口失败，放行请求", slog.String("user_id", userID), logger.Err(err))
		return true
	}
	return count < int64(l.limit)
}

// Record 追加当前时间戳并裁剪窗口外的记录。
func (l *RedisLimiter) Record(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	key := l.key(userID)
	cutoff := now.Add(-l.window).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.PExpire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("写入限流窗口失败", slog.String("user_id", userID), logger.Err(err))
	}
}

// Close 关闭底层客户端。
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
