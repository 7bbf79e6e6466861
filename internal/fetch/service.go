package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceFetcher 调用外部抓取服务。
type ServiceFetcher struct {
	endpoint string
	client   *http.Client
}

// NewServiceFetcher 创建主抓取器，endpoint 接收 POST {"url": ...}。
func NewServiceFetcher(endpoint string, client *http.Client) *ServiceFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ServiceFetcher{endpoint: strings.TrimSpace(endpoint), client: client}
}

// Name 实现 Fetcher。
func (f *ServiceFetcher) Name() string { return "service" }

type serviceRequest struct {
	URL     string  `json:"url"`
	Options Options `json:"options"`
}

type serviceResponse struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Metadata struct {
		Description   string   `json:"description"`
		Keywords      []string `json:"keywords"`
		Author        string   `json:"author"`
		PublishedTime string   `json:"publishedTime"`
	} `json:"metadata"`
	ExtractedData struct {
		Links  []Link  `json:"links"`
		Images []Image `json:"images"`
		Tables []Table `json:"tables"`
		Forms  []Form  `json:"forms"`
	} `json:"extractedData"`
	ReadingTime int    `json:"readingTime"`
	WordCount   int    `json:"wordCount"`
	Error       string `json:"error"`
}

// Fetch 实现 Fetcher。
func (f *ServiceFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if f.endpoint == "" {
		return nil, fmt.Errorf("抓取服务地址未配置")
	}
	payload, err := json.Marshal(serviceRequest{URL: rawURL, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("序列化抓取请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建抓取请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用抓取服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("抓取服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析抓取服务响应失败: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("抓取服务报告错误: %s", decoded.Error)
	}
	if strings.TrimSpace(decoded.Content) == "" {
		return nil, fmt.Errorf("抓取服务返回空内容")
	}

	result := &Result{
		URL:         decoded.URL,
		Title:       decoded.Title,
		Content:     decoded.Content,
		WordCount:   decoded.WordCount,
		ReadingTime: decoded.ReadingTime,
		Metadata: Metadata{
			Description: decoded.Metadata.Description,
			Keywords:    decoded.Metadata.Keywords,
			Author:      decoded.Metadata.Author,
		},
	}
	if ts, err := time.Parse(time.RFC3339, decoded.Metadata.PublishedTime); err == nil {
		result.Metadata.PublishedAt = &ts
	}
	if opts.IncludeLinks {
		result.Extracted.Links = decoded.ExtractedData.Links
	}
	if opts.IncludeImages {
		result.Extracted.Images = decoded.ExtractedData.Images
	}
	if opts.IncludeTables {
		result.Extracted.Tables = decoded.ExtractedData.Tables
	}
	if opts.IncludeForms {
		result.Extracted.Forms = decoded.ExtractedData.Forms
	}
	return result, nil
}

// Ping 确认抓取服务可以访问，5xx 视为不可用。
func (f *ServiceFetcher) Ping(ctx context.Context) error {
	if f.endpoint == "" {
		return fmt.Errorf("抓取服务地址未配置")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, f.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("抓取服务不可达: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("抓取服务返回 %d", resp.StatusCode)
	}
	return nil
}
