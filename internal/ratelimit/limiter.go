package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLimit 为窗口内允许的最大请求数。
	DefaultLimit = 100
	// DefaultWindow 为滑动窗口长度。
	DefaultWindow = 60 * time.Second
)

// Limiter 定义滑动窗口限流器的能力。
type Limiter interface {
	Allow(ctx context.Context, userID string) bool
	Record(ctx context.Context, userID string)
	Close() error
}

// Option 定义内存限流器的可选配置。
type Option func(*MemoryLimiter)

// WithLimit 设置窗口内允许的请求数。
func WithLimit(limit int) Option {
	return func(l *MemoryLimiter) {
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithWindow 设置窗口长度。
func WithWindow(window time.Duration) Option {
	return func(l *MemoryLimiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// MemoryLimiter 在进程内维护每个用户的请求时间戳。
type MemoryLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets sync.Map
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *MemoryLimiter) bucket(userID string) *bucket {
	if b, ok := l.buckets.Load(userID); ok {
		return b.(*bucket)
	}
	b, _ := l.buckets.LoadOrStore(userID, &bucket{})
	return b.(*bucket)
}

// Allow 判断用户在当前窗口内是否还有配额。不修改任何状态。
func (l *MemoryLimiter) Allow(_ context.Context, userID string) bool {
	v, ok := l.buckets.Load(userID)
	if !ok {
		return l.limit > 0
	}
	b := v.(*bucket)
	cutoff := l.now().Add(-l.window)

	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count < l.limit
}

// Record 记录一次请求，并只保留窗口内的时间戳。
func (l *MemoryLimiter) Record(_ context.Context, userID string) {
	b := l.bucket(userID)
	now := l.now()
	cutoff := now.Add(-l.window)

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = append(kept, now)
}

// Close 释放全部桶。
func (l *MemoryLimiter) Close() error {
	l.buckets.Range(func(key, _ any) bool {
		l.buckets.Delete(key)
		return true
	})
	return nil
}
