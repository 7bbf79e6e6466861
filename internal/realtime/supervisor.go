package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/observability/alerting"
	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/pkg/logger"
)

// State 是连接状态。
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosedNormal
	StateClosedAbnormal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosedNormal:
		return "CLOSED_NORMAL"
	case StateClosedAbnormal:
		return "CLOSED_ABNORMAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Message 是通道上传输的 JSON 消息。
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage 将 payload 编码为消息。
func NewMessage(kind string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: kind, Payload: raw}, nil
}

// Event 是投递给监听器的事件。Err 非空时表示连接已终止，
// 此时 Err 携带 CONNECTION_LOST 错误码。
type Event struct {
	ConnectionID string
	Message      Message
	Raw          []byte
	Err          error
}

// Listener 处理连接上的事件。
type Listener func(Event)

// Status 是连接状态快照。
type Status struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
}

type timer interface {
	Stop() bool
}

type connection struct {
	id        string
	url       string
	state     State
	conn      Conn
	attempt   int
	listeners []Listener
	retry     timer
}

// Supervisor 管理多个实时连接。
type Supervisor struct {
	dialer      Dialer
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	alerts      alerting.Dispatcher
	afterFunc   func(time.Duration, func()) timer
	log         *slog.Logger

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

// Option 配置 Supervisor。
type Option func(*Supervisor)

// WithBackoff 设置重连基础延迟与上限。
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.baseDelay = base
		}
		if max > 0 {
			s.maxDelay = max
		}
	}
}

// WithMaxAttempts 设置连续重连失败的上限。
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithAlerts 在连接彻底丢失时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Supervisor) {
		s.alerts = d
	}
}

func withAfterFunc(fn func(time.Duration, func()) timer) Option {
	return func(s *Supervisor) {
		s.afterFunc = fn
	}
}

// NewSupervisor 创建连接管理器。
func NewSupervisor(dialer Dialer, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer:      dialer,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		maxAttempts: DefaultMaxAttempts,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		log:   logger.Named("realtime"),
		conns: make(map[string]*connection),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NextDelay 返回第 attempt 次（从 0 开始）重连前的等待时间。
func (s *Supervisor) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := s.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

// Open 注册并建立连接。首次拨号失败时返回错误，同时进入重连流程。
func (s *Supervisor) Open(ctx context.Context, id, url string, listeners ...Listener) error {
	if id == "" || url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "连接 ID 与地址不能为空")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeInitializationFailure, "连接管理器已关闭")
	}
	if _, exists := s.conns[id]; exists {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("连接 %s 已存在", id))
	}
	c := &connection{id: id, url: url, state: StateConnecting}
	for _, l := range listeners {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
	s.conns[id] = c
	s.mu.Unlock()

	return s.dial(ctx, c)
}

// AddListener 为已注册的连接追加监听器。
func (s *Supervisor) AddListener(id string, l Listener) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("连接 %s 不存在", id))
	}
	c.listeners = append(c.listeners, l)
	return nil
}

func (s *Supervisor) dial(ctx context.Context, c *connection) error {
	conn, err := s.dialer.Dial(ctx, c.url)
	if err != nil {
		s.log.Warn("建立实时连接失败", slog.String("connection", c.id), logger.Err(err))
		s.closeAbnormal(c, nil, err)
		return err
	}

	s.mu.Lock()
	if s.closed || c.state == StateClosedNormal {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	s.mu.Unlock()

	metrics.RealtimeOpened()
	s.log.Info("实时连接已建立", slog.String("connection", c.id))
	go s.readLoop(c, conn)
	return nil
}

func (s *Supervisor) readLoop(c *connection, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrNormalClosure) {
				s.closeNormal(c, conn)
			} else {
				s.closeAbnormal(c, conn, err)
			}
			return
		}
		var msg Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			msg = Message{Type: "raw"}
		}
		s.dispatch(c, Event{ConnectionID: c.id, Message: msg, Raw: data})
	}
}

// dispatch 在读循环中同步调用监听器，保证消息按到达顺序投递。
func (s *Supervisor) dispatch(c *connection, event Event) {
	s.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		s.invoke(c.id, l, event)
	}
}

func (s *Supervisor) invoke(id string, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("监听器执行异常", slog.String("connection", id), slog.Any("panic", r))
		}
	}()
	l(event)
}

func (s *Supervisor) closeNormal(c *connection, conn Conn) {
	s.mu.Lock()
	if c.conn != conn {
		s.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosedNormal
	c.conn = nil
	s.mu.Unlock()

	if wasOpen {
		metrics.RealtimeClosed()
	}
	_ = conn.Close()
	s.log.Info("实时连接已正常关闭", slog.String("connection", c.id))
}

// closeAbnormal 处理异常断开：安排下一次重连，或在达到上限后通知监听器。
// conn 为 nil 表示拨号失败。
func (s *Supervisor) closeAbnormal(c *connection, conn Conn, cause error) {
	s.mu.Lock()
	if conn != nil && c.conn != conn {
		s.mu.Unlock()
		return
	}
	if c.state == StateClosedNormal || s.closed {
		s.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosedAbnormal
	c.conn = nil

	if c.attempt >= s.maxAttempts {
		attempts := c.attempt
		s.mu.Unlock()
		if wasOpen {
			metrics.RealtimeClosed()
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.connectionLost(c, attempts, cause)
		return
	}

	delay := s.NextDelay(c.attempt)
	c.attempt++
	attempt := c.attempt
	c.retry = s.afterFunc(delay, func() { s.reconnect(c) })
	s.mu.Unlock()

	if wasOpen {
		metrics.RealtimeClosed()
	}
	if conn != nil {
		_ = conn.Close()
	}
	metrics.RealtimeReconnect(c.id)
	s.log.Warn("实时连接异常断开，准备重连",
		slog.String("connection", c.id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		logger.Err(cause),
	)
}

func (s *Supervisor) reconnect(c *connection) {
	s.mu.Lock()
	if s.closed || c.state != StateClosedAbnormal {
		s.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.retry = nil
	s.mu.Unlock()

	_ = s.dial(context.Background(), c)
}

func (s *Supervisor) connectionLost(c *connection, attempts int, cause error) {
	err := xerrors.Wrap(xerrors.CodeConnectionLost, cause,
		fmt.Sprintf("连接 %s 连续 %d 次重连失败", c.id, attempts),
		xerrors.WithMetadata("connection", c.id),
		xerrors.WithMetadata("url", c.url),
	)
	s.log.Error("实时连接已放弃重连", slog.String("connection", c.id), logger.Err(err))
	s.dispatch(c, Event{ConnectionID: c.id, Err: err})

	if s.alerts != nil {
		event := alerting.FromError("realtime", c.id, err)
		event.Attempts = attempts
		event.MaxRetries = s.maxAttempts
		if alertErr := s.alerts.Notify(context.Background(), event); alertErr != nil {
			s.log.Warn("发送告警失败", logger.Err(alertErr))
		}
	}
}

// Broadcast 向所有 OPEN 状态的连接发送消息，返回成功发送的数量。
// 未打开的连接被静默跳过。
func (s *Supervisor) Broadcast(msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("编码广播消息失败", logger.Err(err))
		return 0
	}

	s.mu.Lock()
	targets := make(map[string]Conn, len(s.conns))
	for id, c := range s.conns {
		if c.state == StateOpen && c.conn != nil {
			targets[id] = c.conn
		}
	}
	s.mu.Unlock()

	sent := 0
	for id, conn := range targets {
		if err := conn.WriteMessage(data); err != nil {
			s.log.Debug("广播写入失败", slog.String("connection", id), logger.Err(err))
			continue
		}
		sent++
	}
	return sent
}

// Close 主动关闭指定连接，不会触发重连。
func (s *Supervisor) Close(id string) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("连接 %s 不存在", id))
	}
	conn := s.markClosedLocked(c)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Supervisor) markClosedLocked(c *connection) Conn {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.state == StateOpen {
		metrics.RealtimeClosed()
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosedNormal
	return conn
}

// Shutdown 关闭所有连接并停止后续重连。
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var conns []Conn
	for _, c := range s.conns {
		if conn := s.markClosedLocked(c); conn != nil {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// State 返回连接当前状态。
func (s *Supervisor) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return 0, false
	}
	return c.state, true
}

// Snapshot 返回所有连接的状态，按 ID 排序。
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, Status{ID: c.id, URL: c.url, State: c.state.String(), Attempt: c.attempt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy 在没有连接或所有连接都处于可用状态时返回 true。
// 正在重连的连接不视为健康。
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.state != StateOpen && c.state != StateClosedNormal {
			return false
		}
	}
	return true
}
