package archive

import (
	"context"
	"time"

	"AgentHub-Chain/internal/web3"
)

// Interaction 是一次需要归档的对话交互。
type Interaction struct {
	ID                string               `json:"interactionId"`
	UserID            string               `json:"userId"`
	AgentID           string               `json:"agentId"`
	UserMessage       string               `json:"userMessage"`
	AssistantResponse string               `json:"assistantResponse"`
	Timestamp         time.Time            `json:"timestamp"`
	WalletAddress     string               `json:"walletAddress"`
	TransactionType   web3.TransactionType `json:"transactionType"`
	TransactionHash   string               `json:"transactionHash,omitempty"`
}

// Normalize 补齐钱包地址与交易类型。
func (i *Interaction) Normalize() {
	i.WalletAddress = web3.NormalizeWallet(i.WalletAddress)
	kind, hash := web3.ClassifyTransaction(i.TransactionHash)
	if i.TransactionType == "" {
		i.TransactionType = kind
	}
	i.TransactionHash = hash
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now().UTC()
	}
}

// Receipt 是归档成功后的内容地址。
type Receipt struct {
	CID string `json:"cid"`
	URL string `json:"url"`
}

// Archiver 将交互写入内容寻址存储。
type Archiver interface {
	Archive(ctx context.Context, interaction Interaction) (Receipt, error)
}
