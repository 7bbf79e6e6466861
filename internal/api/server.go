package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentHub-Chain/internal/observability/metrics"
	"AgentHub-Chain/internal/orchestrator"
	"AgentHub-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供前端驱动智能体对话。
type Server struct {
	addr string
	orch *orchestrator.Orchestrator
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	return &Server{addr: addr, orch: orch, log: logger.Named("api")}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", instrument("chat", s.handleChat))
	mux.HandleFunc("/api/v1/agents", instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/recommend", instrument("recommend", s.handleRecommend))
	mux.HandleFunc("/api/v1/agents/{id}", instrument("agent_detail", s.handleAgentDetail))
	mux.HandleFunc("/api/v1/history", instrument("history", s.handleHistory))
	mux.HandleFunc("/api/v1/health", instrument("health", s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap 让 http.ResponseController 能够找到底层的 Flush。
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument 记录请求计数与耗时。
func instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(name, r.Method, status, time.Since(start))
	}
}
