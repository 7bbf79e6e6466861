package openai

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
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout 限制等待响应头的时间，流式正文不受此限制。
	Timeout time.Duration
}

// Client 通过 SSE 流式调用 OpenAI 兼容接口。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
	}, nil
}

// Name 实现 llm.StreamClient。
func (c *Client) Name() string { return "openai" }

// Stream 发起流式补全请求，返回逐段解码的文本流。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.ChunkStream, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 OpenAI 失败")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.StatusError("OpenAI", resp.StatusCode, bytes.TrimSpace(body))
	}

	return llm.NewLineStream(resp.Body, decodeEvent), nil
}

// Ping 请求模型列表以确认服务可用。
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return llm.StatusError("OpenAI", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "补全请求缺少消息")
	}
	body := map[string]any{
		"model":             c.model,
		"messages":          req.Messages,
		"stream":            true,
		"temperature":       req.Temperature,
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// decodeEvent 解析一行 SSE，只关心 data 字段。
func decodeEvent(line []byte) (llm.Chunk, bool, error) {
	if line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
		return llm.Chunk{}, true, nil
	}
	data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if bytes.Equal(data, []byte("[DONE]")) {
		return llm.Chunk{Done: true}, false, nil
	}

	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// 无法解析的事件直接跳过。
		return llm.Chunk{}, true, nil
	}
	if event.Error != nil {
		return llm.Chunk{}, false, errors.New(event.Error.Message)
	}
	if len(event.Choices) == 0 {
		return llm.Chunk{}, true, nil
	}
	text := event.Choices[0].Delta.Content
	if text == "" {
		return llm.Chunk{}, true, nil
	}
	return llm.Chunk{Text: text}, false, nil
}
