package main

import (
	"net/http"
	"time"

	"aegisgate/pkg/guardrail"
	"aegisgate/pkg/httpx"
)

type checkContentRequest struct {
	Content     string                 `json:"content"`
	PrincipalID string                 `json:"principal_id"`
	Context     map[string]interface{} `json:"context"`
}

type checkToolRequest struct {
	ToolName    string                 `json:"tool_name"`
	Args        map[string]interface{} `json:"args"`
	PrincipalID string                 `json:"principal_id"`
}

type checkCostRequest struct {
	Tokens      int    `json:"tokens"`
	PrincipalID string `json:"principal_id"`
	Model       string `json:"model"`
}

type checkResponse struct {
	guardrail.Result
	Content string `json:"content,omitempty"`
}

func (s *Server) recordResult(checkpoint string, res guardrail.Result, started time.Time) {
	verdict := "passed"
	switch {
	case res.Blocked:
		verdict = "blocked"
	case !res.Passed:
		verdict = "approval_required"
	case res.Modified:
		verdict = "modified"
	}
	s.Metrics.IncVerdict(checkpoint, verdict)
	if res.Blocked && len(res.Violations) > 0 {
		s.Metrics.IncBlockedRule(res.Violations[0].Rule)
	}
	s.Metrics.ObserveCheckLatency(checkpoint, time.Since(started))
}

func (s *Server) handleCheckInput(w http.ResponseWriter, r *http.Request) {
	var req checkContentRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	started := time.Now()
	res := s.Engine.CheckInput(req.Content, req.PrincipalID, guardrail.Context(req.Context))
	s.recordResult("input", res, started)
	httpx.WriteJSON(w, http.StatusOK, checkResponse{Result: res, Content: res.Content})
}

func (s *Server) handleCheckOutput(w http.ResponseWriter, r *http.Request) {
	var req checkContentRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	started := time.Now()
	res := s.Engine.CheckOutput(req.Content, guardrail.Context(req.Context))
	s.recordResult("output", res, started)
	httpx.WriteJSON(w, http.StatusOK, checkResponse{Result: res, Content: res.Content})
}

func (s *Server) handleCheckTool(w http.ResponseWriter, r *http.Request) {
	var req checkToolRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolName == "" {
		httpx.Error(w, http.StatusBadRequest, "tool_name required")
		return
	}
	started := time.Now()
	res := s.Engine.CheckToolCall(req.ToolName, req.Args, req.PrincipalID)
	s.recordResult("tool", res, started)
	httpx.WriteJSON(w, http.StatusOK, checkResponse{Result: res})
}

func (s *Server) handleCheckCost(w http.ResponseWriter, r *http.Request) {
	var req checkCostRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tokens < 0 {
		httpx.Error(w, http.StatusBadRequest, "tokens must be non-negative")
		return
	}
	started := time.Now()
	res := s.Engine.CheckCost(req.Tokens, req.PrincipalID, req.Model)
	s.recordResult("cost", res, started)
	httpx.WriteJSON(w, http.StatusOK, checkResponse{Result: res})
}
