// Package conversation 定义对话消息与归档回执，并提供提示词所需的上下文窗口。
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 是消息内容的类型。
type Kind string

const (
	KindText     Kind = "text"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindCode     Kind = "code"
)

// PromptWindow 是拼装提示词时引用的最近消息数。
const PromptWindow = 10

// Message 是一条只追加的对话消息。AgentID 为空表示用户消息。
type Message struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Kind       Kind      `json:"kind"`
	Body       string    `json:"body"`
	AgentID    string    `json:"agent_id,omitempty"`
	UserID     string    `json:"user_id"`
	Confidence *float64  `json:"confidence,omitempty"`
	Sources    []string  `json:"sources,omitempty"`
}

// NewUserMessage 创建用户消息。
func NewUserMessage(userID, body string) Message {
	return Message{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Kind:      KindText,
		Body:      body,
		UserID:    userID,
	}
}

// NewAssistantMessage 创建智能体回复。
func NewAssistantMessage(userID, agentID, body string, sources []string) Message {
	return Message{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Kind:      KindText,
		Body:      body,
		AgentID:   agentID,
		UserID:    userID,
		Sources:   sources,
	}
}

// Role 返回 user 或 assistant。
func (m Message) Role() string {
	if m.AgentID == "" {
		return "user"
	}
	return "assistant"
}

// Receipt 记录一次交互在内容寻址存储中的位置。
type Receipt struct {
	InteractionID string    `json:"interaction_id"`
	UserID        string    `json:"user_id"`
	AgentID       string    `json:"agent_id"`
	CID           string    `json:"cid"`
	URL           string    `json:"url"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repository 持久化对话消息。ListLatest 按时间正序返回最近 limit 条。
type Repository interface {
	Append(ctx context.Context, msg Message) error
	ListLatest(ctx context.Context, userID string, limit int) ([]Message, error)
}

// ReceiptStore 持久化归档回执。ListReceipts 按时间倒序返回。
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, receipt Receipt) error
	ListReceipts(ctx context.Context, userID string, limit int) ([]Receipt, error)
}

// Render 将消息序列化为带角色标签的文本，供提示词引用。
func Render(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range messages {
		if m.Kind != "" && m.Kind != KindText {
			continue
		}
		if m.AgentID == "" {
			fmt.Fprintf(&b, "[user] %s\n", strings.TrimSpace(m.Body))
			continue
		}
		fmt.Fprintf(&b, "[assistant:%s] %s\n", m.AgentID, strings.TrimSpace(m.Body))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Tail 返回最后 n 条消息。
func Tail(messages []Message, n int) []Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
