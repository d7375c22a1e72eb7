// Package agentsdk is the client library agents embed to consult the gate
// before acting. It mirrors the gateway's wire types so callers do not need
// the server packages.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckResult is the gateway's verdict for one checkpoint call.
type CheckResult struct {
	Passed         bool        `json:"passed"`
	Blocked        bool        `json:"blocked"`
	Modified       bool        `json:"modified"`
	Reason         string      `json:"reason,omitempty"`
	Violations     []Violation `json:"violations,omitempty"`
	ViolationCount int         `json:"violation_count"`
	Content        string      `json:"content,omitempty"`
}

type Violation struct {
	Type     string `json:"type"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Action   string `json:"action"`
}

type ApprovalRequest struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Priority    string    `json:"priority"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ApprovalResponse struct {
	ID          string `json:"request_id"`
	Approved    bool   `json:"approved"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	RespondedBy string `json:"responded_by"`
	TimedOut    bool   `json:"timed_out"`
}

type ApprovalParams struct {
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category"`
	Context     map[string]interface{} `json:"context,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	TimeoutSec  int                    `json:"timeout_seconds,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
}

func (c *Client) CheckInput(ctx context.Context, content, principalID string) (CheckResult, error) {
	var out CheckResult
	err := c.post(ctx, "/v1/check/input", map[string]interface{}{
		"content":      content,
		"principal_id": principalID,
	}, &out)
	return out, err
}

func (c *Client) CheckOutput(ctx context.Context, content string) (CheckResult, error) {
	var out CheckResult
	err := c.post(ctx, "/v1/check/output", map[string]interface{}{
		"content": content,
	}, &out)
	return out, err
}

func (c *Client) CheckToolCall(ctx context.Context, toolName string, args map[string]interface{}, principalID string) (CheckResult, error) {
	var out CheckResult
	err := c.post(ctx, "/v1/check/tool", map[string]interface{}{
		"tool_name":    toolName,
		"args":         args,
		"principal_id": principalID,
	}, &out)
	return out, err
}

func (c *Client) CheckCost(ctx context.Context, tokens int, principalID, model string) (CheckResult, error) {
	var out CheckResult
	err := c.post(ctx, "/v1/check/cost", map[string]interface{}{
		"tokens":       tokens,
		"principal_id": principalID,
		"model":        model,
	}, &out)
	return out, err
}

func (c *Client) RequestApproval(ctx context.Context, params ApprovalParams) (ApprovalRequest, error) {
	var out ApprovalRequest
	err := c.post(ctx, "/v1/approvals", params, &out)
	return out, err
}

// WaitApproval blocks until the request resolves or the bound elapses. A zero
// bound waits until the request's own deadline.
func (c *Client) WaitApproval(ctx context.Context, requestID string, bound time.Duration) (ApprovalResponse, error) {
	path := "/v1/approvals/" + url.PathEscape(requestID) + "/wait"
	if bound > 0 {
		path += "?timeout_seconds=" + strconv.Itoa(int(bound/time.Second))
	}
	var out ApprovalResponse
	err := c.get(ctx, path, &out)
	return out, err
}

// RequestAndWait is the common agent flow: file the request, then block on
// the decision. Auto-approved requests return without a round trip to wait.
func (c *Client) RequestAndWait(ctx context.Context, params ApprovalParams, bound time.Duration) (ApprovalResponse, error) {
	req, err := c.RequestApproval(ctx, params)
	if err != nil {
		return ApprovalResponse{}, err
	}
	if req.Status != "PENDING" {
		return ApprovalResponse{
			ID:       req.ID,
			Approved: req.Status == "APPROVED",
			Status:   req.Status,
		}, nil
	}
	return c.WaitApproval(ctx, req.ID, bound)
}

func (c *Client) GetApproval(ctx context.Context, requestID string) (ApprovalRequest, error) {
	var out ApprovalRequest
	err := c.get(ctx, "/v1/approvals/"+url.PathEscape(requestID), &out)
	return out, err
}

func (c *Client) RespondApproval(ctx context.Context, requestID string, approved bool, reason, responderID string) (ApprovalResponse, error) {
	var out ApprovalResponse
	err := c.post(ctx, "/v1/approvals/"+url.PathEscape(requestID)+"/respond", map[string]interface{}{
		"approved":     approved,
		"reason":       reason,
		"responder_id": responderID,
	}, &out)
	return out, err
}

func (c *Client) CancelApproval(ctx context.Context, requestID, reason string) (ApprovalRequest, error) {
	var out ApprovalRequest
	err := c.post(ctx, "/v1/approvals/"+url.PathEscape(requestID)+"/cancel", map[string]interface{}{
		"reason": reason,
	}, &out)
	return out, err
}

// ListApprovals returns requests matching the given query values, e.g.
// status=PENDING or agent_id=agent-1.
func (c *Client) ListApprovals(ctx context.Context, query url.Values) ([]ApprovalRequest, error) {
	path := "/v1/approvals"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out struct {
		Requests []ApprovalRequest `json:"requests"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
