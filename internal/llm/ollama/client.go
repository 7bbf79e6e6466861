// Package ollama 实现 Ollama /api/chat 的 NDJSON 流式客户端。
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/llm"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "gemma3"
	defaultTimeout = 60 * time.Second
)

// Config 描述 Ollama 服务。
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 调用本地或远程的 Ollama 服务。
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 创建 Ollama 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Name 实现 llm.StreamClient。
func (c *Client) Name() string { return "ollama" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

type chatEvent struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream 实现 llm.StreamClient。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.ChunkStream, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "补全请求缺少消息")
	}
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   true,
		Options: chatOptions{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 Ollama 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Ollama 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 Ollama 失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.StatusError("Ollama", resp.StatusCode, bytes.TrimSpace(body))
	}
	return llm.NewLineStream(resp.Body, decodeLine), nil
}

// decodeLine 解析一行 NDJSON。
func decodeLine(line []byte) (llm.Chunk, bool, error) {
	var event chatEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return llm.Chunk{}, true, nil
	}
	if event.Error != "" {
		return llm.Chunk{}, false, errors.New(event.Error)
	}
	if event.Message.Content == "" && !event.Done {
		return llm.Chunk{}, true, nil
	}
	return llm.Chunk{Text: event.Message.Content, Done: event.Done}, false, nil
}

// Ping 请求 /api/tags 确认服务可用。
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 Ollama 失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return llm.StatusError("Ollama", resp.StatusCode, nil)
	}
	return nil
}
