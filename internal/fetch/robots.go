package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

const (
	robotsTTL        = 24 * time.Hour
	maxRobotsBytes   = 512 * 1024
	maxCrawlDelay    = 10 * time.Second
	defaultUserAgent = "AgentHubBot/1.0"
)

// RobotsPolicy 缓存并检查站点的 robots.txt。
// robots.txt 不存在或无法获取时视为允许抓取。
type RobotsPolicy struct {
	cache     *gocache.Cache
	userAgent string
	client    *http.Client
}

// NewRobotsPolicy 创建 robots.txt 检查器。
func NewRobotsPolicy(userAgent string, client *http.Client) *RobotsPolicy {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsPolicy{
		cache:     gocache.New(robotsTTL, time.Hour),
		userAgent: userAgent,
		client:    client,
	}
}

// Check 返回路径是否允许抓取以及站点要求的抓取间隔。
func (p *RobotsPolicy) Check(ctx context.Context, target *url.URL) (bool, time.Duration) {
	origin := target.Scheme + "://" + target.Host
	data, ok := p.lookup(ctx, origin)
	if !ok {
		return true, 0
	}
	group := data.FindGroup(p.userAgent)
	if group == nil {
		return true, 0
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	delay := group.CrawlDelay
	if delay > maxCrawlDelay {
		delay = maxCrawlDelay
	}
	return group.Test(path), delay
}

func (p *RobotsPolicy) lookup(ctx context.Context, origin string) (*robotstxt.RobotsData, bool) {
	if cached, found := p.cache.Get(origin); found {
		data, ok := cached.(*robotstxt.RobotsData)
		return data, ok && data != nil
	}
	data := p.download(ctx, origin)
	// 获取失败同样缓存，避免每次请求都访问 robots.txt。
	p.cache.SetDefault(origin, data)
	return data, data != nil
}

func (p *RobotsPolicy) download(ctx context.Context, origin string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data
}
