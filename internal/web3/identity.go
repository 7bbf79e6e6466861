package web3

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AnonymousWallet 是未提供或无法识别钱包地址时使用的占位值。
const AnonymousWallet = "anonymous"

// TransactionType 区分付费调用与试用调用。
type TransactionType string

const (
	TransactionPaid  TransactionType = "paid"
	TransactionTrial TransactionType = "trial"
)

// NormalizeWallet 将合法的以太坊地址转换为校验和格式，其他输入返回 anonymous。
func NormalizeWallet(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return AnonymousWallet
	}
	return common.HexToAddress(addr).Hex()
}

// ParseTransactionHash 解析 32 字节的交易哈希。
func ParseTransactionHash(raw string) (common.Hash, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Hash{}, false
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(strings.ToLower(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// ClassifyTransaction 根据交易哈希判断调用类型，返回规范化后的哈希。
// 带有合法交易哈希的调用视为付费调用。
func ClassifyTransaction(raw string) (TransactionType, string) {
	hash, ok := ParseTransactionHash(raw)
	if !ok {
		return TransactionTrial, ""
	}
	return TransactionPaid, hash.Hex()
}

// PaymentVerifier 确认支付交易已经成功上链。
type PaymentVerifier interface {
	Confirmed(ctx context.Context, hash common.Hash) (bool, error)
}
