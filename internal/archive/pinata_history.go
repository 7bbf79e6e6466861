package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/pkg/logger"
)

const (
	pinNamePrefix     = "Agent-Interaction"
	historyPageLimit  = 100
	historyFetchLimit = 8
)

// ArchivedInteraction 是从 IPFS 读回的交互及其内容地址。
type ArchivedInteraction struct {
	Interaction
	CID string `json:"ipfsHash"`
	URL string `json:"url"`
}

// HistoryReader 按钱包地址读取已归档的交互。
type HistoryReader interface {
	History(ctx context.Context, walletAddress string) ([]ArchivedInteraction, error)
}

type pinListResponse struct {
	Count int `json:"count"`
	Rows  []struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
	} `json:"rows"`
}

// History 查询钱包地址名下的全部 pin，并从网关并发拉取内容。
// 单个 pin 拉取失败时跳过；结果按时间倒序。
func (c *PinataClient) History(ctx context.Context, walletAddress string) ([]ArchivedInteraction, error) {
	wallet := strings.TrimSpace(walletAddress)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少钱包地址")
	}
	hashes, err := c.listPins(ctx, wallet)
	if err != nil {
		return nil, err
	}

	log := logger.Named("archive")
	var (
		mu      sync.Mutex
		history = make([]ArchivedInteraction, 0, len(hashes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(historyFetchLimit)
	for _, hash := range hashes {
		g.Go(func() error {
			item, err := c.fetchPinned(gctx, hash)
			if err != nil {
				log.Warn("读取归档内容失败", slog.String("cid", hash), logger.Err(err))
				return nil
			}
			mu.Lock()
			history = append(history, item)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "读取归档历史被取消")
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	return history, nil
}

func (c *PinataClient) listPins(ctx context.Context, wallet string) ([]string, error) {
	filter, err := json.Marshal(map[string]any{
		"walletAddress": map[string]string{"value": wallet, "op": "eq"},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建查询条件失败", xerrors.WithRetryable(false))
	}
	query := url.Values{}
	query.Set("status", "pinned")
	query.Set("pageLimit", fmt.Sprint(historyPageLimit))
	query.Set("metadata[name]", pinNamePrefix)
	query.Set("metadata[keyvalues]", string(filter))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/pinList?"+query.Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建 Pinata 查询失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "查询 Pinata 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeArchiveFailure,
			fmt.Sprintf("Pinata 查询返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded pinListResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "解析 Pinata 查询结果失败")
	}
	hashes := make([]string, 0, len(decoded.Rows))
	for _, row := range decoded.Rows {
		if row.IpfsPinHash != "" {
			hashes = append(hashes, row.IpfsPinHash)
		}
	}
	return hashes, nil
}

func (c *PinataClient) fetchPinned(ctx context.Context, hash string) (ArchivedInteraction, error) {
	target := c.gatewayURL + "/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ArchivedInteraction{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ArchivedInteraction{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ArchivedInteraction{}, fmt.Errorf("网关返回状态 %d", resp.StatusCode)
	}
	var item ArchivedInteraction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&item.Interaction); err != nil {
		return ArchivedInteraction{}, fmt.Errorf("解析归档内容失败: %w", err)
	}
	item.CID = hash
	item.URL = target
	return item, nil
}
