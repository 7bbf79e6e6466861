package fetch

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "AgentHub-Chain/internal/errors"
)

const samplePage = `<!doctype html>
<html><head>
<title>Agent Notes</title>
<meta name="description" content="Notes about agent orchestration">
<meta name="keywords" content="agents, streaming">
</head><body>
<article>
<h1>Agent Notes</h1>
<p>Agent orchestration combines retrieval, prompt assembly and streaming completions into a single request path.
Each fragment is forwarded to the caller as soon as the upstream model produces it.</p>
<p>Read the <a href="/docs/limits">limits guide</a> before deploying.</p>
<img src="/img/diagram.png" alt="diagram">
<table><tr><th>Agent</th><th>Tier</th></tr><tr><td>Research</td><td>expert</td></tr></table>
<form action="/subscribe" method="post"><input name="email"></form>
</article>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	})
	mux.HandleFunc("/private/page", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("disallowed path was requested")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDirectFetcherExtractsPage(t *testing.T) {
	site := newSite(t)
	f := NewDirectFetcher(DirectConfig{AllowPrivate: true, RespectRobots: true, PerDomainRPS: 100})

	opts := Options{IncludeLinks: true, IncludeImages: true, IncludeTables: true, IncludeForms: true}
	result, err := f.Fetch(context.Background(), site.URL+"/article", opts)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(result.Content, "orchestration") {
		t.Fatalf("content missing article text: %q", result.Content)
	}
	if result.Title != "Agent Notes" {
		t.Fatalf("unexpected title %q", result.Title)
	}
	if result.Metadata.Description != "Notes about agent orchestration" {
		t.Fatalf("unexpected description %q", result.Metadata.Description)
	}
	if len(result.Extracted.Links) != 1 || result.Extracted.Links[0].URL != site.URL+"/docs/limits" {
		t.Fatalf("unexpected links %+v", result.Extracted.Links)
	}
	if len(result.Extracted.Images) != 1 || result.Extracted.Images[0].Alt != "diagram" {
		t.Fatalf("unexpected images %+v", result.Extracted.Images)
	}
	if len(result.Extracted.Tables) != 1 || len(result.Extracted.Tables[0].Rows) != 2 {
		t.Fatalf("unexpected tables %+v", result.Extracted.Tables)
	}
	if len(result.Extracted.Forms) != 1 || result.Extracted.Forms[0].Method != http.MethodPost {
		t.Fatalf("unexpected forms %+v", result.Extracted.Forms)
	}
}

func TestDirectFetcherHonoursRobots(t *testing.T) {
	site := newSite(t)
	f := NewDirectFetcher(DirectConfig{AllowPrivate: true, RespectRobots: true, PerDomainRPS: 100})

	if _, err := f.Fetch(context.Background(), site.URL+"/private/page", Options{}); err == nil {
		t.Fatalf("expected robots.txt to block the request")
	}
}

func TestDirectFetcherBlocksPrivateHosts(t *testing.T) {
	f := NewDirectFetcher(DirectConfig{})
	for _, target := range []string{"http://127.0.0.1/", "http://localhost:8080/x", "http://10.0.0.8/", "ftp://example.com/"} {
		if _, err := f.Fetch(context.Background(), target, Options{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%s: expected INVALID_ARGUMENT, got %v", target, err)
		}
	}
}

func TestDirectFetcherRejectsRedirectToPrivateHost(t *testing.T) {
	var internalHits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internalHits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer internal.Close()
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL+"/secret", http.StatusFound)
	}))
	defer public.Close()

	// public.example.com 被解析到 public 服务器，它再把请求重定向到 127.0.0.1。
	publicAddr := public.Listener.Addr().String()
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if strings.HasPrefix(addr, "public.example.com:") {
				addr = publicAddr
			}
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	f := NewDirectFetcher(DirectConfig{PerDomainRPS: 100, Client: &http.Client{Transport: transport}})

	if _, err := f.Fetch(context.Background(), "http://public.example.com/start", Options{}); err == nil {
		t.Fatalf("expected redirect to a private address to fail")
	}
	if internalHits.Load() != 0 {
		t.Fatalf("private server was reached %d times", internalHits.Load())
	}
}

func TestDirectFetcherCapsRedirects(t *testing.T) {
	var hops atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops.Add(1)
		http.Redirect(w, r, server.URL+"/loop", http.StatusFound)
	}))
	defer server.Close()

	f := NewDirectFetcher(DirectConfig{AllowPrivate: true, PerDomainRPS: 100})
	if _, err := f.Fetch(context.Background(), server.URL+"/loop", Options{}); err == nil {
		t.Fatalf("expected redirect loop to fail")
	}
	if got := hops.Load(); got != maxRedirects {
		t.Fatalf("expected %d requests, got %d", maxRedirects, got)
	}
}

func TestDialControlRejectsResolvedPrivateAddresses(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:80", "10.1.2.3:443", "192.168.0.10:80", "169.254.169.254:80", "[::1]:80", "[::ffff:127.0.0.1]:80"} {
		if err := dialControl("tcp", addr, nil); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%s: expected INVALID_ARGUMENT, got %v", addr, err)
		}
	}
	if err := dialControl("tcp", "93.184.216.34:443", nil); err != nil {
		t.Fatalf("public address rejected: %v", err)
	}
}

func TestDirectFetcherDialBlocksLoopback(t *testing.T) {
	site := newSite(t)
	// 绕过字面量检查，验证拨号阶段仍然拦截回环地址。
	f := NewDirectFetcher(DirectConfig{PerDomainRPS: 100})
	f.cfg.AllowPrivate = true
	if _, err := f.Fetch(context.Background(), site.URL+"/article", Options{}); err == nil {
		t.Fatalf("expected dial to loopback to be refused")
	}
}

func TestServiceFetcherDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req serviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.URL != "https://example.com/post" {
			t.Errorf("unexpected url %q", req.URL)
		}
		_, _ = w.Write([]byte(`{"url":"https://example.com/post","title":"Post","content":"hello there",
"metadata":{"description":"d","keywords":["k"],"publishedTime":"2024-05-01T10:00:00Z"},
"extractedData":{"links":[{"url":"https://example.com/next"}]},"wordCount":2,"readingTime":1}`))
	}))
	defer server.Close()

	f := NewServiceFetcher(server.URL, server.Client())
	result, err := f.Fetch(context.Background(), "https://example.com/post", Options{IncludeLinks: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Title != "Post" || result.Content != "hello there" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Metadata.PublishedAt == nil || result.Metadata.PublishedAt.Year() != 2024 {
		t.Fatalf("published time not parsed")
	}
	if len(result.Extracted.Links) != 1 {
		t.Fatalf("links not decoded")
	}
}

func TestServiceFetcherRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewServiceFetcher(server.URL, server.Client())
	if _, err := f.Fetch(context.Background(), "https://example.com", Options{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestCachePingUsesPrimaryService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	cache := NewCache(WithPrimary(NewServiceFetcher(server.URL, server.Client())))
	if err := cache.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	server.Close()
	if err := cache.Ping(context.Background()); err == nil {
		t.Fatalf("ping should fail when the service is down")
	}
}
