package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgentHub-Chain/internal/errors"
)

const (
	defaultPinataURL  = "https://api.pinata.cloud"
	defaultGatewayURL = "https://gateway.pinata.cloud/ipfs"
)

// PinataConfig 描述 Pinata 账号。
type PinataConfig struct {
	BaseURL    string
	GatewayURL string
	APIKey     string
	SecretKey  string
	Timeout    time.Duration
}

// PinataClient 通过 pinJSONToIPFS 接口归档交互。
type PinataClient struct {
	baseURL    string
	gatewayURL string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	now        func() time.Time
}

// NewPinataClient 创建 Pinata 客户端。
func NewPinataClient(cfg PinataConfig) (*PinataClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("未配置 Pinata API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPinataURL
	}
	gateway := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if gateway == "" {
		gateway = defaultGatewayURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PinataClient{
		baseURL:    baseURL,
		gatewayURL: gateway,
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type pinRequest struct {
	Content  Interaction `json:"pinataContent"`
	Options  pinOptions  `json:"pinataOptions"`
	Metadata pinMetadata `json:"pinataMetadata"`
}

type pinOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

// Archive 实现 Archiver。
func (c *PinataClient) Archive(ctx context.Context, interaction Interaction) (Receipt, error) {
	interaction.Normalize()
	payload, err := json.Marshal(pinRequest{
		Content: interaction,
		Options: pinOptions{CIDVersion: 1},
		Metadata: pinMetadata{
			Name: pinNamePrefix + "-" + strconv.FormatInt(c.now().UnixMilli(), 10),
			KeyValues: map[string]string{
				"agentId":         interaction.AgentID,
				"walletAddress":   interaction.WalletAddress,
				"transactionType": string(interaction.TransactionType),
				"timestamp":       interaction.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		},
	})
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "序列化归档内容失败", xerrors.WithRetryable(false))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建 Pinata 请求失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "请求 Pinata 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		// 4xx 为请求本身的问题，重试无意义；429 除外。
		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		return Receipt{}, xerrors.New(xerrors.CodeArchiveFailure,
			fmt.Sprintf("Pinata 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
		)
	}

	var decoded struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "解析 Pinata 响应失败")
	}
	if decoded.IpfsHash == "" {
		return Receipt{}, xerrors.New(xerrors.CodeArchiveFailure, "Pinata 响应缺少 IpfsHash")
	}
	return Receipt{CID: decoded.IpfsHash, URL: c.gatewayURL + "/" + decoded.IpfsHash}, nil
}
