package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/archive"
	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/fetch"
	"AgentHub-Chain/internal/llm"
	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/internal/realtime"
	"AgentHub-Chain/internal/web3"
	"AgentHub-Chain/pkg/logger"
)

// EventInteractionCompleted 是回答结束后广播的实时事件类型。
const EventInteractionCompleted = "interaction.completed"

// Request 是一次对话请求。
type Request struct {
	Message         string
	AgentID         agent.ID
	UserID          string
	Profile         agent.UserProfile
	WalletAddress   string
	TransactionHash string
}

// Status 描述流的结束方式。
type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Outcome 是流结束后的汇总。Text 只包含已交给调用方的模型输出。
type Outcome struct {
	Status   Status
	Text     string
	Stopped  bool
	Degraded bool
	Sources  []string
	Receipt  *archive.Receipt
	Err      error
}

// Stream 是一次回答的片段序列，只能消费一次。
type Stream struct {
	fragments chan string
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	outcome   Outcome
}

// Fragments 按上游到达顺序返回文本片段，流结束时关闭。
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Stop 停止转发片段并释放上游连接，已发送的内容保留。
func (s *Stream) Stop() {
	s.stopOnce.Do(s.cancel)
}

// Wait 阻塞到流结束及其后续记录完成。
func (s *Stream) Wait() Outcome {
	<-s.done
	return s.outcome
}

func (s *Stream) send(ctx context.Context, text string) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.fragments <- text:
		return true
	case <-ctx.Done():
		return false
	}
}

// turn 保存一次请求在流结束后需要的上下文。
type turn struct {
	req      Request
	message  string
	profile  *agent.Profile
	sources  []string
	degraded bool
	started  time.Time
}

// Process 处理一条消息并返回回答流。流打开之前的失败直接返回错误。
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Stream, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户标识")
	}
	if !o.limiter.Allow(ctx, req.UserID) {
		metrics.RateLimited()
		logger.Audit().Warn("request rate limited", slog.String("user_id", req.UserID), slog.String("agent_id", string(req.AgentID)))
		return nil, xerrors.New(xerrors.CodeRateLimited, "", xerrors.WithMetadata("user_id", req.UserID))
	}
	o.limiter.Record(ctx, req.UserID)

	profile, ok := o.registry.Get(req.AgentID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeAgentNotFound, "", xerrors.WithMetadata("agent_id", string(req.AgentID)))
	}

	t := turn{req: req, message: message, profile: profile, started: o.now()}

	history, err := o.history.ListLatest(ctx, req.UserID, o.window)
	if err != nil {
		o.log.Warn("读取对话历史失败，忽略上下文", logger.Err(err), slog.String("user_id", req.UserID))
		history = nil
	}

	segment, err := o.analyze(ctx, &t)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(profile, conversation.Tail(history, o.window), req.Profile, segment, message)

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := o.completion.Stream(streamCtx, prompt)
	if err != nil {
		cancel()
		profile.Observe(agent.Observation{Success: false, Satisfaction: -1, Degraded: t.degraded})
		metrics.StreamFinished(string(profile.ID), "unavailable", o.now().Sub(t.started).Seconds())
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, fmt.Sprintf("%s 补全服务不可用", o.completion.Name()))
		}
		o.log.Error("打开补全流失败", logger.Err(err), slog.String("agent_id", string(profile.ID)))
		return nil, err
	}

	s := &Stream{
		fragments: make(chan string),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go o.pump(ctx, streamCtx, s, upstream, t)
	return s, nil
}

// analyze 在内容分析型智能体收到网址时抓取网页。抓取运行在与调用方取消无关的上下文中，
// 调用方取消后结果仍会写入缓存。
func (o *Orchestrator) analyze(ctx context.Context, t *turn) (string, error) {
	if o.content == nil || !t.profile.ContentAnalysis {
		return "", nil
	}
	urls := extractURLs(t.message)
	if len(urls) == 0 {
		return "", nil
	}

	results := make(chan []*fetch.Result, 1)
	go func() {
		results <- o.content.FetchMany(context.WithoutCancel(ctx), urls, o.fetchOptions)
	}()

	var fetched []*fetch.Result
	select {
	case fetched = <-results:
	case <-ctx.Done():
		return "", xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "抓取网页时请求已取消")
	}

	if len(fetched) == 0 {
		t.degraded = true
		o.log.Warn("引用的网页全部不可达", slog.String("agent_id", string(t.profile.ID)), slog.Int("urls", len(urls)))
	}
	for _, r := range fetched {
		t.sources = append(t.sources, r.URL)
	}
	return contentSegment(fetched), nil
}

func (o *Orchestrator) pump(parent, streamCtx context.Context, s *Stream, upstream llm.ChunkStream, t turn) {
	defer close(s.done)
	defer s.Stop()
	agentID := string(t.profile.ID)

	var text strings.Builder
	status := StatusCompleted
	var streamErr error

loop:
	for {
		if streamCtx.Err() != nil {
			status = StatusStopped
			break
		}
		chunk, err := upstream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			break loop
		case err != nil:
			if streamCtx.Err() != nil {
				status = StatusStopped
				break loop
			}
			status = StatusFailed
			streamErr = err
			if xerrors.CodeOf(err) == xerrors.CodeUnknown {
				streamErr = xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "补全流中断")
			}
			o.log.Warn("补全流中断", logger.Err(err), slog.String("agent_id", agentID), slog.Int("delivered", text.Len()))
			s.send(streamCtx, apologyFragment)
			break loop
		}
		if chunk.Text != "" {
			if !s.send(streamCtx, chunk.Text) {
				status = StatusStopped
				break
			}
			text.WriteString(chunk.Text)
			metrics.StreamFragment(agentID)
		}
		if chunk.Done {
			break
		}
	}
	if err := upstream.Close(); err != nil {
		o.log.Debug("关闭补全流失败", logger.Err(err))
	}

	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.sideTimeout)
	defer cancel()

	out := Outcome{
		Status:   status,
		Text:     text.String(),
		Stopped:  status == StatusStopped,
		Degraded: t.degraded,
		Sources:  t.sources,
		Err:      streamErr,
	}

	interaction := o.interaction(sideCtx, t, out.Text)
	if status == StatusCompleted && o.archive != nil && o.appendReceipt && out.Text != "" {
		receipt, err := o.archive.ArchiveNow(sideCtx, interaction)
		if err != nil {
			o.log.Warn("同步归档失败", logger.Err(err), slog.String("agent_id", agentID))
			s.send(streamCtx, archiveFailed)
		} else {
			out.Receipt = &receipt
			s.send(streamCtx, fmt.Sprintf(receiptTrailer, receipt.CID, receipt.URL))
		}
	}
	close(s.fragments)

	o.record(sideCtx, t, out)
	if status != StatusStopped {
		t.profile.Observe(agent.Observation{
			Success:      status == StatusCompleted,
			Latency:      o.now().Sub(t.started),
			Satisfaction: -1,
			Degraded:     t.degraded,
		})
	}
	if status == StatusCompleted && o.archive != nil && !o.appendReceipt && out.Text != "" {
		if jobID, err := o.archive.Submit(sideCtx, interaction); err != nil {
			o.log.Warn("提交归档任务失败", logger.Err(err), slog.String("agent_id", agentID))
		} else {
			o.log.Debug("已提交归档任务", slog.String("job_id", jobID))
		}
	}
	o.broadcast(t, out)

	elapsed := o.now().Sub(t.started)
	metrics.StreamFinished(agentID, string(status), elapsed.Seconds())
	logger.Audit().Info("interaction finished",
		slog.String("user_id", t.req.UserID),
		slog.String("agent_id", agentID),
		slog.String("status", string(status)),
		slog.Int("length", len(out.Text)),
		slog.Bool("degraded", t.degraded),
		slog.Duration("elapsed", elapsed),
	)
	s.outcome = out
}

// record 追加用户消息与回答，回答为空时只记录用户消息。
func (o *Orchestrator) record(ctx context.Context, t turn, out Outcome) {
	user := conversation.NewUserMessage(t.req.UserID, t.message)
	user.CreatedAt = t.started.UTC()
	if err := o.history.Append(ctx, user); err != nil {
		o.log.Warn("记录用户消息失败", logger.Err(err), slog.String("user_id", t.req.UserID))
	}
	if out.Text == "" {
		return
	}
	reply := conversation.NewAssistantMessage(t.req.UserID, string(t.profile.ID), out.Text, out.Sources)
	if err := o.history.Append(ctx, reply); err != nil {
		o.log.Warn("记录回答失败", logger.Err(err), slog.String("user_id", t.req.UserID))
	}
}

// interaction 构造归档记录。交易未确认时按试用处理。
func (o *Orchestrator) interaction(ctx context.Context, t turn, response string) archive.Interaction {
	in := archive.Interaction{
		UserID:            t.req.UserID,
		AgentID:           string(t.profile.ID),
		UserMessage:       t.message,
		AssistantResponse: response,
		Timestamp:         o.now().UTC(),
		WalletAddress:     t.req.WalletAddress,
		TransactionHash:   t.req.TransactionHash,
	}
	in.Normalize()
	if in.TransactionType != web3.TransactionPaid || o.payments == nil || o.archive == nil {
		return in
	}
	hash, ok := web3.ParseTransactionHash(in.TransactionHash)
	if !ok {
		return in
	}
	if o.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.verifyTimeout)
		defer cancel()
	}
	confirmed, err := o.payments.Confirmed(ctx, hash)
	switch {
	case err != nil:
		o.log.Warn("交易确认查询失败，保留付费标记", logger.Err(err), slog.String("tx", in.TransactionHash))
	case !confirmed:
		o.log.Info("交易未确认，按试用记录", slog.String("tx", in.TransactionHash))
		in.TransactionType = web3.TransactionTrial
	}
	return in
}

func (o *Orchestrator) broadcast(t turn, out Outcome) {
	if o.realtime == nil {
		return
	}
	msg, err := realtime.NewMessage(EventInteractionCompleted, map[string]any{
		"agentId":  string(t.profile.ID),
		"userId":   t.req.UserID,
		"length":   len(out.Text),
		"stopped":  out.Stopped,
		"status":   string(out.Status),
		"degraded": out.Degraded,
	})
	if err != nil {
		o.log.Warn("构造实时事件失败", logger.Err(err))
		return
	}
	o.realtime.Broadcast(msg)
}
