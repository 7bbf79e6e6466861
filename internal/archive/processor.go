package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/observability/alerting"
	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/pkg/logger"
)

// Processor 负责从队列消费归档任务。
type Processor struct {
	archiver    Archiver
	receipts    conversation.ReceiptStore
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。receipts 可以为 nil。
func NewProcessor(archiver Archiver, receipts conversation.ReceiptStore, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		archiver:    archiver,
		receipts:    receipts,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("archive"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置归档任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, job Job) error {
	if p.archiver == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "归档处理器未初始化")
	}
	job.Attempts++
	receipt, err := p.archiver.Archive(ctx, job.Interaction)
	if err != nil {
		return p.handleFailure(ctx, job, err)
	}

	recordReceipt(ctx, p.receipts, job.Interaction, receipt, p.logger)
	metrics.ArchiveJob("succeeded")
	logger.Audit().Info("交互归档成功",
		slog.String("job_id", job.ID),
		slog.String("interaction_id", job.Interaction.ID),
		slog.String("agent_id", job.Interaction.AgentID),
		slog.String("cid", receipt.CID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job Job, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeArchiveFailure
	}
	retryable := xerrors.RetryableError(cause)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	logger.Audit().Warn("交互归档失败",
		slog.String("job_id", job.ID),
		slog.String("interaction_id", job.Interaction.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		metrics.ArchiveJob("failed")
		p.emitAlert(ctx, job, code, cause, "terminal")
		return cause
	}

	metrics.ArchiveJob("retried")
	if p.producer == nil {
		return cause
	}
	if pubErr := p.producer.Publish(ctx, job); pubErr != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, fmt.Sprintf("归档任务 %s 重投失败", job.ID))
		p.emitAlert(ctx, job, xerrors.CodeQueueFailure, wrapped, "requeue")
		return wrapped
	}
	p.logger.Debug("归档任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		Component:  "archive",
		Subject:    job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata: map[string]string{
			"stage":          stage,
			"interaction_id": job.Interaction.ID,
			"agent_id":       job.Interaction.AgentID,
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", logger.Err(err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}

// recordReceipt 保存回执，失败只记录日志。
func recordReceipt(ctx context.Context, store conversation.ReceiptStore, interaction Interaction, receipt Receipt, log *slog.Logger) {
	if store == nil {
		return
	}
	err := store.SaveReceipt(ctx, conversation.Receipt{
		InteractionID: interaction.ID,
		UserID:        interaction.UserID,
		AgentID:       interaction.AgentID,
		CID:           receipt.CID,
		URL:           receipt.URL,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Warn("保存归档回执失败", logger.Err(err), slog.String("interaction_id", interaction.ID))
	}
}
