package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const defaultMaxBodyBytes = 5 * 1024 * 1024

// DirectConfig 描述本地兜底抓取器。
type DirectConfig struct {
	UserAgent     string
	RespectRobots bool
	// PerDomainRPS 是同一域名的请求速率上限，<=0 时使用 1。
	PerDomainRPS float64
	MaxBodyBytes int64
	AllowPrivate bool
	Client       *http.Client
}

// DirectFetcher 直接请求目标页面并在本地提取正文。
type DirectFetcher struct {
	cfg      DirectConfig
	client   *http.Client
	robots   *RobotsPolicy
	limiters sync.Map
}

// NewDirectFetcher 创建兜底抓取器。
func NewDirectFetcher(cfg DirectConfig) *DirectFetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.PerDomainRPS <= 0 {
		cfg.PerDomainRPS = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second, Transport: newGuardedTransport(cfg.AllowPrivate)}
	}
	client = guardRedirects(client, cfg.AllowPrivate)
	f := &DirectFetcher{cfg: cfg, client: client}
	if cfg.RespectRobots {
		f.robots = NewRobotsPolicy(cfg.UserAgent, client)
	}
	return f
}

// Name 实现 Fetcher。
func (f *DirectFetcher) Name() string { return "direct" }

// Fetch 实现 Fetcher。
func (f *DirectFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	target, err := ValidateURL(rawURL, f.cfg.AllowPrivate)
	if err != nil {
		return nil, err
	}

	var crawlDelay time.Duration
	if f.robots != nil {
		allowed, delay := f.robots.Check(ctx, target)
		if !allowed {
			return nil, fmt.Errorf("robots.txt 禁止抓取 %s", rawURL)
		}
		crawlDelay = delay
	}
	if err := f.limiter(target.Hostname(), crawlDelay).Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待域名限速失败: %w", err)
	}

	body, err := f.download(ctx, target)
	if err != nil {
		return nil, err
	}
	return f.extract(target, body, opts)
}

func (f *DirectFetcher) limiter(host string, crawlDelay time.Duration) *rate.Limiter {
	limit := rate.Limit(f.cfg.PerDomainRPS)
	if crawlDelay > 0 {
		if byDelay := rate.Every(crawlDelay); byDelay < limit {
			limit = byDelay
		}
	}
	actual, _ := f.limiters.LoadOrStore(host, rate.NewLimiter(limit, 1))
	l := actual.(*rate.Limiter)
	if l.Limit() > limit {
		l.SetLimit(limit)
	}
	return l
}

func (f *DirectFetcher) download(ctx context.Context, target *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求页面失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("页面返回状态码 %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return nil, fmt.Errorf("不支持的内容类型: %s", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取页面失败: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("页面超过 %d 字节限制", f.cfg.MaxBodyBytes)
	}
	return body, nil
}

func (f *DirectFetcher) extract(target *url.URL, body []byte, opts Options) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}
	page := scanDocument(doc, target, opts)

	result := &Result{
		URL:   target.String(),
		Title: page.title,
		Metadata: Metadata{
			Description: page.description,
			Keywords:    page.keywords,
			Author:      page.author,
		},
		Extracted: page.extracted,
	}

	extracted, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{OriginalURL: target})
	if err == nil && extracted != nil {
		result.Content = extracted.ContentText
		meta := extracted.Metadata
		if meta.Title != "" {
			result.Title = meta.Title
		}
		if result.Metadata.Description == "" {
			result.Metadata.Description = meta.Description
		}
		if result.Metadata.Author == "" {
			result.Metadata.Author = meta.Author
		}
		if len(result.Metadata.Keywords) == 0 && len(meta.Tags) > 0 {
			result.Metadata.Keywords = meta.Tags
		}
		if !meta.Date.IsZero() {
			published := meta.Date
			result.Metadata.PublishedAt = &published
		}
	}
	if strings.TrimSpace(result.Content) == "" {
		result.Content = page.text
	}
	if strings.TrimSpace(result.Content) == "" {
		return nil, fmt.Errorf("页面没有可提取的正文")
	}
	return result, nil
}

type pageScan struct {
	title       string
	description string
	author      string
	keywords    []string
	text        string
	extracted   Extracted
}

func scanDocument(doc *html.Node, base *url.URL, opts Options) pageScan {
	var (
		scan pageScan
		text strings.Builder
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if scan.title == "" {
					scan.title = strings.TrimSpace(nodeText(n))
				}
				return
			case "meta":
				applyMeta(&scan, n)
			case "a":
				if opts.IncludeLinks {
					if href := resolve(base, attr(n, "href")); href != "" {
						scan.extracted.Links = append(scan.extracted.Links, Link{URL: href, Text: collapse(nodeText(n))})
					}
				}
			case "img":
				if opts.IncludeImages {
					if src := resolve(base, attr(n, "src")); src != "" {
						scan.extracted.Images = append(scan.extracted.Images, Image{Src: src, Alt: attr(n, "alt")})
					}
				}
			case "table":
				if opts.IncludeTables {
					scan.extracted.Tables = append(scan.extracted.Tables, tableRows(n))
				}
			case "form":
				if opts.IncludeForms {
					scan.extracted.Forms = append(scan.extracted.Forms, formFields(base, n))
				}
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				text.WriteString(s)
				text.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	scan.text = collapse(text.String())
	return scan
}

func applyMeta(scan *pageScan, n *html.Node) {
	name := strings.ToLower(attr(n, "name"))
	if name == "" {
		name = strings.ToLower(attr(n, "property"))
	}
	content := strings.TrimSpace(attr(n, "content"))
	if content == "" {
		return
	}
	switch name {
	case "description", "og:description":
		if scan.description == "" {
			scan.description = content
		}
	case "author":
		scan.author = content
	case "keywords":
		for _, kw := range strings.Split(content, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				scan.keywords = append(scan.keywords, kw)
			}
		}
	}
}

func tableRows(table *html.Node) Table {
	var t Table
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var row []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					row = append(row, collapse(nodeText(c)))
				}
			}
			if len(row) > 0 {
				t.Rows = append(t.Rows, row)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return t
}

func formFields(base *url.URL, form *html.Node) Form {
	f := Form{
		Action: resolve(base, attr(form, "action")),
		Method: strings.ToUpper(attr(form, "method")),
	}
	if f.Method == "" {
		f.Method = http.MethodGet
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "select", "textarea":
				if name := attr(n, "name"); name != "" {
					f.Fields = append(f.Fields, name)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	return f
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
