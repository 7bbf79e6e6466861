package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	xerrors "AgentHub-Chain/internal/errors"
)

// Entry 是缓存中保存的一条抓取结果。
type Entry struct {
	Result    Result    `json:"result"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Store 抽象缓存后端。Get 在未命中时返回 ok=false 且 err 为 nil。
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Close() error
}

// MemoryStore 基于 go-cache 的进程内缓存。
type MemoryStore struct {
	items *gocache.Cache
}

// NewMemoryStore 创建进程内缓存，cleanup 为过期条目的清理周期。
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryStore{items: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get 返回条目的副本。
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	raw, ok := s.items.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := raw.(Entry)
	if !ok {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set 以值语义保存条目，ttl<=0 表示不过期。
func (s *MemoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.items.Set(key, entry, ttl)
	return nil
}

// Len 返回当前条目数量。
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}

// Close 清空缓存。
func (s *MemoryStore) Close() error {
	s.items.Flush()
	return nil
}

// RedisStore 将抓取结果以 JSON 形式写入 Redis，供多实例共享。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 基于已有客户端创建缓存。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agenthub:fetch"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Get 读取并解码条目。
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取抓取缓存失败")
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析抓取缓存失败")
	}
	return entry, true, nil
}

// Set 写入条目。
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化抓取缓存失败")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入抓取缓存失败")
	}
	return nil
}

// Close 关闭底层客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
