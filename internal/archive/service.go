package archive

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/pkg/logger"
)

// Service 是编排层使用的归档入口。
type Service struct {
	archiver   Archiver
	receipts   conversation.ReceiptStore
	producer   Producer
	maxRetries int
	log        *slog.Logger
}

// NewService 构造归档服务。producer 为 nil 时 Submit 退化为同步归档。
func NewService(archiver Archiver, receipts conversation.ReceiptStore, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		archiver:   archiver,
		receipts:   receipts,
		producer:   producer,
		maxRetries: maxRetries,
		log:        logger.Named("archive"),
	}
}

func validate(interaction *Interaction) error {
	if strings.TrimSpace(interaction.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档交互缺少 agentId")
	}
	if strings.TrimSpace(interaction.AssistantResponse) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档交互缺少回复内容")
	}
	interaction.Normalize()
	if interaction.ID == "" {
		interaction.ID = uuid.NewString()
	}
	return nil
}

// Submit 将交互投递到归档队列，返回任务 ID。
func (s *Service) Submit(ctx context.Context, interaction Interaction) (string, error) {
	if err := validate(&interaction); err != nil {
		return "", err
	}
	if s.producer == nil {
		if _, err := s.ArchiveNow(ctx, interaction); err != nil {
			return "", err
		}
		return interaction.ID, nil
	}
	job := Job{
		ID:          uuid.NewString(),
		Interaction: interaction,
		MaxRetries:  s.maxRetries,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, job); err != nil {
		s.log.Error("归档任务入队失败", logger.Err(err), slog.String("interaction_id", interaction.ID))
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布归档任务失败")
	}
	return job.ID, nil
}

// ArchiveNow 同步归档并保存回执。
func (s *Service) ArchiveNow(ctx context.Context, interaction Interaction) (Receipt, error) {
	if err := validate(&interaction); err != nil {
		return Receipt{}, err
	}
	if s.archiver == nil {
		return Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "归档服务未初始化")
	}
	receipt, err := s.archiver.Archive(ctx, interaction)
	if err != nil {
		return Receipt{}, err
	}
	recordReceipt(ctx, s.receipts, interaction, receipt, s.log)
	return receipt, nil
}

// History 读取钱包地址名下的归档交互。归档后端不支持查询时返回空列表。
func (s *Service) History(ctx context.Context, walletAddress string) ([]ArchivedInteraction, error) {
	reader, ok := s.archiver.(HistoryReader)
	if !ok {
		return nil, nil
	}
	return reader.History(ctx, walletAddress)
}
