package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// receiptReader 是确认交易所需的最小节点能力。
type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client 通过 JSON-RPC 节点确认支付交易。
type Client struct {
	reader receiptReader
	closer func()
}

// NewClient 连接 RPC 节点。
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{reader: eth, closer: eth.Close}, nil
}

func newClientWithReader(reader receiptReader) *Client {
	return &Client{reader: reader}
}

// Confirmed 返回交易是否已打包且执行成功。尚未上链的交易返回 false 且无错误。
func (c *Client) Confirmed(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := c.reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return receipt != nil && receipt.Status == coretypes.ReceiptStatusSuccessful, nil
}

// Ping 查询链 ID 以确认节点可用。
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.reader.ChainID(ctx); err != nil {
		return fmt.Errorf("查询链 ID 失败: %w", err)
	}
	return nil
}

// Close 关闭节点连接。
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}
