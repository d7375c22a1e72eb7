package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"aegisgate/pkg/approval"
	"aegisgate/pkg/httpx"
)

type createApprovalRequest struct {
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Category    string                 `json:"category"`
	Context     map[string]interface{} `json:"context"`
	RequesterID string                 `json:"agent_id"`
	TimeoutSec  int                    `json:"timeout_seconds"`
	Priority    string                 `json:"priority"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type respondApprovalRequest struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason"`
	ResponderID string `json:"responder_id"`
}

type cancelApprovalRequest struct {
	Reason string `json:"reason"`
}

func approvalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrInvalidState):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, approval.ErrInvalidCategory),
		errors.Is(err, approval.ErrDuplicatePolicy),
		errors.Is(err, approval.ErrUnknownPolicy):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := httpx.DecodeJSON(r, &req, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.Approvals.CreateRequest(approval.CreateParams{
		Action:      req.Action,
		Description: req.Description,
		Category:    req.Category,
		Context:     req.Context,
		RequesterID: req.RequesterID,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		approvalError(w, err)
		return
	}
	s.Metrics.IncApprovalState(created.Status)
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.Approvals.Get(chi.URLParam(r, "request_id"))
	if err != nil {
		approvalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var body respondApprovalRequest
	if err := httpx.DecodeJSON(r, &body, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.Approvals.Respond(chi.URLParam(r, "request_id"), body.Approved, body.Reason, body.ResponderID)
	if err != nil {
		approvalError(w, err)
		return
	}
	s.Metrics.IncApprovalState(resp.Status)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	var body cancelApprovalRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body, s.MaxBodyBytes); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id := chi.URLParam(r, "request_id")
	if err := s.Approvals.Cancel(id, body.Reason); err != nil {
		approvalError(w, err)
		return
	}
	s.Metrics.IncApprovalState(approval.Cancelled)
	req, err := s.Approvals.Get(id)
	if err != nil {
		approvalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

// handleWaitApproval blocks the HTTP request until resolution, an optional
// ?timeout_seconds bound, or client disconnect.
func (s *Server) handleWaitApproval(w http.ResponseWriter, r *http.Request) {
	var bound time.Duration
	if raw := r.URL.Query().Get("timeout_seconds"); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid timeout_seconds")
			return
		}
		bound = time.Duration(sec) * time.Second
	}
	resp, err := s.Approvals.Wait(r.Context(), chi.URLParam(r, "request_id"), bound)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			approvalError(w, err)
			return
		}
		// Client went away; nothing left to write.
		return
	}
	if resp.TimedOut {
		s.Metrics.IncApprovalState(approval.Expired)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	reqs := s.Approvals.List(approval.ListFilter{
		Status:    q.Get("status"),
		Requester: q.Get("agent_id"),
		Category:  q.Get("category"),
		Limit:     limit,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

func (s *Server) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Approvals.Stats())
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string   `json:"name"`
		Categories    []string `json:"categories"`
		AutoApprove   bool     `json:"auto_approve"`
		TimeoutSec    int      `json:"default_timeout_seconds"`
		Priority      string   `json:"default_priority"`
		NotifyWebhook bool     `json:"notify_webhook"`
		RequireReason bool     `json:"require_reason"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := approval.Policy{
		Name:            body.Name,
		Categories:      body.Categories,
		AutoApprove:     body.AutoApprove,
		DefaultTimeout:  time.Duration(body.TimeoutSec) * time.Second,
		DefaultPriority: body.Priority,
		NotifyWebhook:   body.NotifyWebhook,
		RequireReason:   body.RequireReason,
	}
	if err := s.Approvals.AddPolicy(p); err != nil {
		approvalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"policies": s.Approvals.Policies()})
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.Approvals.RemovePolicy(chi.URLParam(r, "policy_name")); err != nil {
		approvalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
