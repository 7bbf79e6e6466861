package fetch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/pkg/logger"
)

const (
	// DefaultFreshness 是缓存结果被视为新鲜的时长。
	DefaultFreshness = 5 * time.Minute
	// DefaultConcurrency 限制 FetchMany 的并发数。
	DefaultConcurrency = 8
)

// Fetcher 从远端获取页面内容。
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error)
	Name() string
}

// Cache 组合缓存后端与主/兜底抓取器。
type Cache struct {
	store       Store
	primary     Fetcher
	fallback    Fetcher
	freshness   time.Duration
	timeout     time.Duration
	concurrency int
	now         func() time.Time
	log         *slog.Logger
}

// Option 配置 Cache。
type Option func(*Cache)

// WithStore 指定缓存后端，默认使用 MemoryStore。
func WithStore(store Store) Option {
	return func(c *Cache) {
		if store != nil {
			c.store = store
		}
	}
}

// WithPrimary 指定主抓取器。
func WithPrimary(f Fetcher) Option {
	return func(c *Cache) {
		c.primary = f
	}
}

// WithFallback 指定主抓取器失败时使用的兜底抓取器。
func WithFallback(f Fetcher) Option {
	return func(c *Cache) {
		c.fallback = f
	}
}

// WithFreshness 设置新鲜期。
func WithFreshness(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// WithTimeout 设置单次抓取的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency 设置 FetchMany 的并发上限。
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock 注入时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache 创建内容缓存。
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		freshness:   DefaultFreshness,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		log:         logger.Named("fetch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.store == nil {
		c.store = NewMemoryStore(0)
	}
	return c
}

// Fetch 返回地址对应的内容，新鲜期内的缓存结果不会触发网络请求。
func (c *Cache) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "URL 不能为空")
	}
	key := CacheKey(rawURL, opts)

	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		// 缓存故障时直接回源。
		c.log.Warn("读取抓取缓存失败", slog.String("url", rawURL), logger.Err(err))
	}
	if ok && c.now().Sub(entry.FetchedAt) < c.freshness {
		metrics.CacheLookup(true)
		return entry.Result.clone(), nil
	}
	metrics.CacheLookup(false)

	result, err := c.fetchUpstream(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	fetchedAt := c.now()
	result.Metadata.LastFetched = fetchedAt
	if err := c.store.Set(ctx, key, Entry{Result: *result.clone(), FetchedAt: fetchedAt}, c.freshness); err != nil {
		c.log.Warn("写入抓取缓存失败", slog.String("url", rawURL), logger.Err(err))
	}
	return result, nil
}

func (c *Cache) fetchUpstream(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	var errs []error
	for _, f := range []Fetcher{c.primary, c.fallback} {
		if f == nil {
			continue
		}
		result, err := c.attempt(ctx, f, rawURL, opts)
		if err == nil {
			return result, nil
		}
		metrics.FetchFailed(f.Name())
		c.log.Warn("抓取失败", slog.String("source", f.Name()), slog.String("url", rawURL), logger.Err(err))
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, xerrors.New(xerrors.CodeFetchFailed, "未配置可用的抓取器", xerrors.WithMetadata("url", rawURL))
	}
	return nil, xerrors.Wrap(xerrors.CodeFetchFailed, errors.Join(errs...), "内容抓取失败", xerrors.WithMetadata("url", rawURL))
}

func (c *Cache) attempt(ctx context.Context, f Fetcher, rawURL string, opts Options) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	result, err := f.Fetch(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New(f.Name() + " 返回空结果")
	}
	result.finalize(rawURL, opts)
	return result, nil
}

// FetchMany 并发抓取多个地址，按输入顺序返回成功的结果，失败的地址被跳过。
// 重复地址只抓取一次。
func (c *Cache) FetchMany(ctx context.Context, urls []string, opts Options) []*Result {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}
	if len(unique) == 0 {
		return nil
	}

	slots := make([]*Result, len(unique))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, u := range unique {
		g.Go(func() error {
			result, err := c.Fetch(ctx, u, opts)
			if err != nil {
				c.log.Info("跳过抓取失败的地址", slog.String("url", u), logger.Err(err))
				return nil
			}
			slots[i] = result
			return nil
		})
	}
	_ = g.Wait()

	results := make([]*Result, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, r)
		}
	}
	return results
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping 检查缓存后端与主抓取服务是否可用。
func (c *Cache) Ping(ctx context.Context) error {
	if _, _, err := c.store.Get(ctx, "health"); err != nil {
		return err
	}
	for _, f := range []Fetcher{c.primary, c.fallback} {
		if p, ok := f.(pinger); ok {
			return p.Ping(ctx)
		}
	}
	return nil
}

// Close 释放缓存后端。
func (c *Cache) Close() error {
	return c.store.Close()
}
