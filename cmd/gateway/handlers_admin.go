package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"aegisgate/pkg/guardrail"
	"aegisgate/pkg/httpx"
	"aegisgate/pkg/stream"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"rules": s.Engine.Rules()})
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "rule_name")
	var err error
	if enabled {
		err = s.Engine.EnableRule(name)
	} else {
		err = s.Engine.DisableRule(name)
	}
	if err != nil {
		if errors.Is(err, guardrail.ErrUnknownRule) {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"rule": name, "enabled": enabled})
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) handleSetTopics(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topics []string `json:"topics"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.Engine.SetAllowedTopics(body.Topics)
	s.Ledger.Append("", "topics_updated", map[string]interface{}{"topics": body.Topics})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"topics": body.Topics})
}

func (s *Server) handleListRestrictedTools(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"tools": s.Engine.RestrictedTools()})
}

func (s *Server) handleRestrictTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Severity        string `json:"severity"`
		RequireApproval bool   `json:"requires_approval"`
	}
	if err := httpx.DecodeJSON(r, &body, s.MaxBodyBytes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	severity := guardrail.Severity(strings.ToUpper(body.Severity))
	if body.Severity == "" {
		severity = guardrail.SeverityHigh
	}
	name := chi.URLParam(r, "tool_name")
	s.Engine.RestrictTool(name, severity, body.RequireApproval)
	s.Ledger.Append("", "tool_restricted", map[string]interface{}{
		"tool":              name,
		"severity":          string(severity),
		"requires_approval": body.RequireApproval,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"tool": name})
}

func (s *Server) handleUnrestrictTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool_name")
	s.Engine.UnrestrictTool(name)
	s.Ledger.Append("", "tool_unrestricted", map[string]interface{}{"tool": name})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var entries interface{}
	if event := q.Get("event_type"); event != "" {
		entries = s.Ledger.ByEvent(event, limit)
	} else {
		entries = s.Ledger.Recent(limit)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   s.Ledger.Len(),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
