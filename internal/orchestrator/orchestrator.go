package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/archive"
	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/fetch"
	"AgentHub-Chain/internal/llm"
	"AgentHub-Chain/internal/ratelimit"
	"AgentHub-Chain/internal/realtime"
	"AgentHub-Chain/internal/web3"
	"AgentHub-Chain/pkg/logger"
)

// ContentFetcher 批量抓取网页内容，失败的地址被静默丢弃。
type ContentFetcher interface {
	FetchMany(ctx context.Context, urls []string, opts fetch.Options) []*fetch.Result
}

// Archive 持久化已完成的交互。
type Archive interface {
	Submit(ctx context.Context, interaction archive.Interaction) (string, error)
	ArchiveNow(ctx context.Context, interaction archive.Interaction) (archive.Receipt, error)
}

// Broadcaster 把事件推送给所有已连接的实时通道。
type Broadcaster interface {
	Broadcast(msg realtime.Message) int
	Healthy() bool
}

type archiveReader interface {
	History(ctx context.Context, walletAddress string) ([]archive.ArchivedInteraction, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Orchestrator 处理对话请求。
type Orchestrator struct {
	registry   *agent.Registry
	limiter    ratelimit.Limiter
	completion llm.StreamClient
	history    conversation.Repository

	content       ContentFetcher
	fetchOptions  fetch.Options
	archive       Archive
	appendReceipt bool
	realtime      Broadcaster
	payments      web3.PaymentVerifier
	verifyTimeout time.Duration

	window        int
	sideTimeout   time.Duration
	healthTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithContentFetcher 启用网页内容分析。
func WithContentFetcher(f ContentFetcher, opts fetch.Options) Option {
	return func(o *Orchestrator) {
		o.content = f
		o.fetchOptions = opts
	}
}

// WithArchive 启用交互归档。appendReceipt 为 true 时同步归档并在回答末尾附上内容地址。
func WithArchive(a Archive, appendReceipt bool) Option {
	return func(o *Orchestrator) {
		o.archive = a
		o.appendReceipt = appendReceipt
	}
}

// WithRealtime 在每次回答结束后广播事件。
func WithRealtime(b Broadcaster) Option {
	return func(o *Orchestrator) {
		o.realtime = b
	}
}

// WithPaymentVerifier 在归档前校验交易是否已上链确认，timeout 限制单次查询。
func WithPaymentVerifier(v web3.PaymentVerifier, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.payments = v
		o.verifyTimeout = timeout
	}
}

// WithHistoryWindow 设置提示词引用的历史消息数。
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithSideEffectTimeout 设置回答结束后持久化与归档的超时。
func WithSideEffectTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sideTimeout = d
		}
	}
}

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock 注入时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构造编排器。registry、limiter、completion 与 history 均为必需依赖。
func New(registry *agent.Registry, limiter ratelimit.Limiter, completion llm.StreamClient, history conversation.Repository, opts ...Option) (*Orchestrator, error) {
	switch {
	case registry == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未初始化")
	case limiter == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "限流器未初始化")
	case completion == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "补全服务未初始化")
	case history == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对话仓库未初始化")
	}
	o := &Orchestrator{
		registry:      registry,
		limiter:       limiter,
		completion:    completion,
		history:       history,
		window:        conversation.PromptWindow,
		sideTimeout:   30 * time.Second,
		healthTimeout: 3 * time.Second,
		log:           logger.Named("orchestrator"),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Agents 返回目录中的全部智能体。
func (o *Orchestrator) Agents() []*agent.Profile {
	return o.registry.List()
}

// Agent 按标识查找智能体。
func (o *Orchestrator) Agent(id agent.ID) (*agent.Profile, error) {
	p, ok := o.registry.Get(id)
	if !ok {
		return nil, xerrors.New(xerrors.CodeAgentNotFound, "", xerrors.WithMetadata("agent_id", string(id)))
	}
	return p, nil
}

// Recommend 按得分返回最多三个智能体。
func (o *Orchestrator) Recommend(query string, user agent.UserProfile) []*agent.Profile {
	return o.registry.Recommend(query, user)
}

// History 返回用户最近的对话消息，按时间正序。
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]conversation.Message, error) {
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户标识")
	}
	if limit <= 0 {
		limit = o.window
	}
	msgs, err := o.history.ListLatest(ctx, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取对话历史失败")
	}
	return msgs, nil
}

// Receipts 返回用户的归档回执。仓库不支持回执时返回空列表。
func (o *Orchestrator) Receipts(ctx context.Context, userID string, limit int) ([]conversation.Receipt, error) {
	store, ok := o.history.(conversation.ReceiptStore)
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = o.window
	}
	receipts, err := store.ListReceipts(ctx, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档回执失败")
	}
	return receipts, nil
}

// ArchivedHistory 返回钱包地址在内容寻址存储中的归档交互，按时间倒序。
// 未启用归档或归档后端不支持查询时返回空列表。
func (o *Orchestrator) ArchivedHistory(ctx context.Context, walletAddress string) ([]archive.ArchivedInteraction, error) {
	wallet := web3.NormalizeWallet(walletAddress)
	if wallet == web3.AnonymousWallet {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无效的钱包地址")
	}
	reader, ok := o.archive.(archiveReader)
	if !ok {
		return nil, nil
	}
	items, err := reader.History(ctx, wallet)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "读取归档历史失败")
	}
	return items, nil
}
