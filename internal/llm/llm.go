package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给模型的一条消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次流式补全请求。
type Request struct {
	Messages         []Message
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Chunk 是从上游解码出的一个事件。
type Chunk struct {
	Text string
	Done bool
}

// ChunkStream 逐个返回文本片段，结束时返回 io.EOF。
// Close 释放底层连接，可以在读完之前调用。
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// StreamClient 打开到补全服务的流。
type StreamClient interface {
	Stream(ctx context.Context, req Request) (ChunkStream, error)
	Name() string
}

// Pinger 用于健康检查。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collect 读完整个流并拼接文本，测试与非流式调用使用。
func Collect(stream ChunkStream) (string, error) {
	defer stream.Close()
	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk.Text)
	}
}
