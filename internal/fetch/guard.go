package fetch

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	xerrors "AgentHub-Chain/internal/errors"
)

// maxRedirects 与浏览器的默认上限保持一致。
const maxRedirects = 10

// ValidateURL 只允许 http/https 地址，并在 allowPrivate 为 false 时拒绝本地与内网地址。
func ValidateURL(rawURL string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的 URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("仅支持 http/https 地址: %s", rawURL))
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("URL 缺少主机名: %s", rawURL))
	}
	if allowPrivate {
		return u, nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不允许访问本地地址: %s", host))
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不允许访问内网地址: %s", host))
	}
	return u, nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast()
}

// dialControl 在 DNS 解析之后、建立连接之前检查真实的目标地址，
// 防止公网域名解析到内网地址。
func dialControl(_ string, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法解析拨号地址")
	}
	if blockedAddr(ap.Addr()) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不允许连接内网地址: %s", ap.Addr()))
	}
	return nil
}

func newGuardedTransport(allowPrivate bool) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = dialControl
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// guardRedirects 返回 base 的副本，每一跳重定向都重新校验目标地址。
func guardRedirects(base *http.Client, allowPrivate bool) *http.Client {
	c := *base
	next := base.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("重定向次数过多 (最多 %d 次)", maxRedirects)
		}
		if _, err := ValidateURL(req.URL.String(), allowPrivate); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	return &c
}
