package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/archive"
	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/orchestrator"
	"AgentHub-Chain/internal/web3"
	"AgentHub-Chain/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxBodyBytes        = 1 << 20

	// streamStatusTrailer 在流结束后告知客户端结束方式。
	streamStatusTrailer = "X-Stream-Status"
)

type chatRequest struct {
	Message         string            `json:"message"`
	AgentID         string            `json:"agentId"`
	UserID          string            `json:"userId"`
	UserProfile     agent.UserProfile `json:"userProfile"`
	WalletAddress   string            `json:"walletAddress"`
	TransactionHash string            `json:"transactionHash"`
}

type recommendRequest struct {
	Query       string            `json:"query"`
	UserProfile agent.UserProfile `json:"userProfile"`
}

type historyResponse struct {
	Messages []conversation.Message         `json:"messages"`
	Receipts []conversation.Receipt         `json:"receipts"`
	Archived []archive.ArchivedInteraction `json:"archived,omitempty"`
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", logger.Err(err))
	}
	writeJSON(w, status, errorResponse{Code: xerrors.CodeOf(err), Message: msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, "仅支持 "+allowed, http.StatusMethodNotAllowed)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// clientID 在未提供用户标识时使用钱包地址，否则使用客户端 IP。
func clientID(r *http.Request, userID, wallet string) string {
	if id := strings.TrimSpace(userID); id != "" {
		return id
	}
	if w := web3.NormalizeWallet(wallet); w != web3.AnonymousWallet {
		return w
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	stream, err := s.orch.Process(r.Context(), orchestrator.Request{
		Message:         req.Message,
		AgentID:         agent.ID(req.AgentID),
		UserID:          clientID(r, req.UserID, req.WalletAddress),
		Profile:         req.UserProfile,
		WalletAddress:   req.WalletAddress,
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Trailer", streamStatusTrailer)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for fragment := range stream.Fragments() {
		if _, err := w.Write([]byte(fragment)); err != nil {
			stream.Stop()
			continue
		}
		if err := rc.Flush(); err != nil {
			s.log.Debug("刷新响应失败", logger.Err(err))
		}
	}
	out := stream.Wait()
	header.Set(streamStatusTrailer, string(out.Status))
	if out.Err != nil {
		s.log.Warn("对话流异常结束", logger.Err(out.Err), slog.String("agent_id", req.AgentID))
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	profiles := s.orch.Agents()
	views := make([]agent.View, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, p.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少智能体标识"))
		return
	}
	p, err := s.orch.Agent(agent.ID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req recommendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	profiles := s.orch.Recommend(req.Query, req.UserProfile)
	views := make([]agent.View, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, p.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	query := r.URL.Query()
	userID := clientID(r, query.Get("userId"), query.Get("walletAddress"))
	limit := defaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxHistoryLimit)
		}
	}

	messages, err := s.orch.History(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipts, err := s.orch.Receipts(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := historyResponse{Messages: messages, Receipts: receipts}
	if wallet := query.Get("walletAddress"); wallet != "" {
		if resp.Archived, err = s.orch.ArchivedHistory(r.Context(), wallet); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if resp.Receipts == nil {
		resp.Receipts = []conversation.Receipt{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	report := s.orch.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
