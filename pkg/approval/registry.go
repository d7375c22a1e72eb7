package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegisgate/pkg/audit"
)

// Request is one unit of human-in-the-loop work. After creation the only
// mutation is the single transition out of PENDING.
type Request struct {
	ID             string                 `json:"id"`
	Action         string                 `json:"action"`
	Description    string                 `json:"description,omitempty"`
	Category       string                 `json:"category"`
	Priority       string                 `json:"priority"`
	Context        map[string]interface{} `json:"context,omitempty"`
	RequesterID    string                 `json:"agent_id"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
	Status         string                 `json:"status"`
	RespondedAt    *time.Time             `json:"responded_at,omitempty"`
	RespondedBy    string                 `json:"responded_by,omitempty"`
	ResponseReason string                 `json:"response_reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	WebhookSent    bool                   `json:"-"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	remaining := 0.0
	if r.Status == Pending {
		if left := time.Until(r.ExpiresAt).Seconds(); left > 0 {
			remaining = left
		}
	}
	return json.Marshal(struct {
		alias
		IsExpired     bool    `json:"is_expired"`
		TimeRemaining float64 `json:"time_remaining_seconds"`
	}{
		alias:         alias(r),
		IsExpired:     r.Status == Expired || (r.Status == Pending && IsExpired(time.Now(), r.ExpiresAt)),
		TimeRemaining: remaining,
	})
}

// Response is the resolved outcome of a request, delivered identically to
// every waiter. TimedOut marks expiry, a distinguished outcome rather than
// an error.
type Response struct {
	ID          string     `json:"request_id"`
	Approved    bool       `json:"approved"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	RespondedBy string     `json:"responded_by,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	TimedOut    bool       `json:"timed_out"`
}

// Notifier delivers best-effort outbound events. Failures are audited, not
// surfaced to callers.
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// tracked pairs a request with its broadcast primitive. done is closed
// exactly once, when resp is set; late waiters observe resp directly.
type tracked struct {
	mu   sync.Mutex
	req  Request
	done chan struct{}
	resp *Response
}

// Registry tracks approval requests through their lifecycle. Each request
// id is an independent unit of concurrency: the registry lock only guards
// the map and policy table, never a request's state.
type Registry struct {
	Notifier Notifier
	Ledger   *audit.Ledger

	mu       sync.RWMutex
	requests map[string]*tracked
	policies []Policy
}

func NewRegistry() *Registry {
	return &Registry{requests: map[string]*tracked{}}
}

func (r *Registry) AddPolicy(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.policies {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.Name)
		}
	}
	r.policies = append(r.policies, p.normalized())
	return nil
}

func (r *Registry) RemovePolicy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.policies {
		if p.Name == name {
			r.policies = append(r.policies[:i], r.policies[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
}

// Policies lists registered policies in registration order.
func (r *Registry) Policies() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Policy(nil), r.policies...)
}

// policyFor resolves the governing policy for a category. When several
// policies claim the category the first registered wins.
func (r *Registry) policyFor(category string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.policies {
		if p.claims(category) {
			return p
		}
	}
	return DefaultPolicy()
}

type CreateParams struct {
	Action      string
	Description string
	Category    string
	Context     map[string]interface{}
	RequesterID string
	Timeout     time.Duration
	Priority    string
	Metadata    map[string]interface{}
}

func (r *Registry) CreateRequest(p CreateParams) (Request, error) {
	if strings.TrimSpace(p.Action) == "" {
		return Request{}, fmt.Errorf("action required")
	}
	if !ValidCategory(p.Category) {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidCategory, p.Category)
	}
	if p.Priority != "" && !ValidPriority(p.Priority) {
		return Request{}, fmt.Errorf("invalid priority %q", p.Priority)
	}
	policy := r.policyFor(p.Category)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = policy.DefaultTimeout
	}
	priority := p.Priority
	if priority == "" {
		priority = policy.DefaultPriority
	}
	now := time.Now().UTC()
	req := Request{
		ID:          uuid.New().String(),
		Action:      p.Action,
		Description: p.Description,
		Category:    p.Category,
		Priority:    priority,
		Context:     p.Context,
		RequesterID: p.RequesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
		Status:      Pending,
		Metadata:    p.Metadata,
	}
	t := &tracked{req: req, done: make(chan struct{})}
	r.mu.Lock()
	r.requests[req.ID] = t
	r.mu.Unlock()
	r.audit(p.RequesterID, "approval_requested", map[string]interface{}{
		"request_id": req.ID,
		"action":     req.Action,
		"category":   req.Category,
		"priority":   req.Priority,
	})
	if policy.AutoApprove {
		t.mu.Lock()
		r.resolveLocked(t, Approved, true, "auto-approved by policy "+policy.Name, "policy:"+policy.Name, now, false)
		snapshot := t.req
		t.mu.Unlock()
		r.audit(p.RequesterID, "approval_auto_approved", map[string]interface{}{
			"request_id": req.ID,
			"policy":     policy.Name,
		})
		return snapshot, nil
	}
	if policy.NotifyWebhook && r.Notifier != nil {
		go r.notify(t, req)
	}
	t.mu.Lock()
	snapshot := t.req
	t.mu.Unlock()
	return snapshot, nil
}

func (r *Registry) notify(t *tracked, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Notifier.Notify(ctx, "approval_requested", req); err != nil {
		log.Printf("approval: webhook delivery failed for %s: %v", req.ID, err)
		r.audit(req.RequesterID, "webhook_failed", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return
	}
	t.mu.Lock()
	t.req.WebhookSent = true
	t.mu.Unlock()
}

func (r *Registry) lookup(id string) (*tracked, error) {
	r.mu.RLock()
	t, ok := r.requests[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// resolveLocked performs the single transition out of PENDING and wakes
// every current and future waiter. t.mu must be held.
func (r *Registry) resolveLocked(t *tracked, status string, approved bool, reason, responder string, now time.Time, timedOut bool) {
	t.req.Status = status
	t.req.ResponseReason = reason
	if responder != "" {
		t.req.RespondedBy = responder
	}
	var respondedAt *time.Time
	if !timedOut {
		at := now
		respondedAt = &at
		t.req.RespondedAt = &at
	}
	t.resp = &Response{
		ID:          t.req.ID,
		Approved:    approved,
		Status:      status,
		Reason:      reason,
		RespondedBy: responder,
		RespondedAt: respondedAt,
		TimedOut:    timedOut,
	}
	close(t.done)
}

// expireLocked is the idempotent PENDING->EXPIRED transition. t.mu must be
// held and status must be PENDING.
func (r *Registry) expireLocked(t *tracked, now time.Time) {
	r.resolveLocked(t, Expired, false, "request expired", "", now, true)
	r.audit(t.req.RequesterID, "approval_expired", map[string]interface{}{
		"request_id": t.req.ID,
	})
}

func (r *Registry) Respond(id string, approved bool, reason, responderID string) (Response, error) {
	t, err := r.lookup(id)
	if err != nil {
		return Response{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req.Status != Pending {
		return Response{}, fmt.Errorf("%w: status %s", ErrInvalidState, t.req.Status)
	}
	now := time.Now().UTC()
	// A response racing an already-lapsed deadline loses.
	if IsExpired(now, t.req.ExpiresAt) {
		r.expireLocked(t, now)
		return Response{}, fmt.Errorf("%w: request expired", ErrInvalidState)
	}
	if r.policyFor(t.req.Category).RequireReason && strings.TrimSpace(reason) == "" {
		return Response{}, ErrReasonRequired
	}
	status := Rejected
	event := "approval_rejected"
	if approved {
		status = Approved
		event = "approval_approved"
	}
	r.resolveLocked(t, status, approved, reason, responderID, now, false)
	r.audit(responderID, event, map[string]interface{}{
		"request_id": id,
		"reason":     reason,
	})
	return *t.resp, nil
}

func (r *Registry) Cancel(id, reason string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req.Status != Pending {
		return fmt.Errorf("%w: status %s", ErrInvalidState, t.req.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	r.resolveLocked(t, Cancelled, false, reason, "", time.Now().UTC(), false)
	r.audit(t.req.RequesterID, "approval_cancelled", map[string]interface{}{
		"request_id": id,
		"reason":     reason,
	})
	return nil
}

// Wait blocks until the request resolves, the wait bound elapses, or ctx is
// cancelled. The default bound is the remaining time until expiry; a shorter
// override that elapses expires the request itself. Context cancellation
// detaches without touching the request.
func (r *Registry) Wait(ctx context.Context, id string, timeoutOverride time.Duration) (Response, error) {
	t, err := r.lookup(id)
	if err != nil {
		return Response{}, err
	}
	t.mu.Lock()
	if t.resp != nil {
		resp := *t.resp
		t.mu.Unlock()
		return resp, nil
	}
	now := time.Now().UTC()
	deadline := t.req.ExpiresAt
	if timeoutOverride > 0 {
		if bound := now.Add(timeoutOverride); bound.Before(deadline) {
			deadline = bound
		}
	}
	t.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-t.done:
		t.mu.Lock()
		resp := *t.resp
		t.mu.Unlock()
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.resp != nil {
			// Resolution won the race against the timer.
			return *t.resp, nil
		}
		r.expireLocked(t, time.Now().UTC())
		return *t.resp, nil
	}
}

func (r *Registry) Get(id string) (Request, error) {
	t, err := r.lookup(id)
	if err != nil {
		return Request{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req, nil
}

type ListFilter struct {
	Status    string
	Requester string
	Category  string
	Limit     int
}

// List returns matching requests, newest first.
func (r *Registry) List(f ListFilter) []Request {
	r.mu.RLock()
	all := make([]*tracked, 0, len(r.requests))
	for _, t := range r.requests {
		all = append(all, t)
	}
	r.mu.RUnlock()
	out := make([]Request, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		req := t.req
		t.mu.Unlock()
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Requester != "" && req.RequesterID != f.Requester {
			continue
		}
		if f.Category != "" && req.Category != f.Category {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

type Stats struct {
	Total              int            `json:"total"`
	Pending            int            `json:"pending"`
	ByStatus           map[string]int `json:"by_status"`
	ByCategory         map[string]int `json:"by_category"`
	ApprovalRate       float64        `json:"approval_rate"`
	AvgResponseSeconds float64        `json:"avg_response_seconds"`
}

func (r *Registry) Stats() Stats {
	s := Stats{ByStatus: map[string]int{}, ByCategory: map[string]int{}}
	var latencySum float64
	var resolved int
	for _, req := range r.List(ListFilter{}) {
		s.Total++
		s.ByStatus[req.Status]++
		s.ByCategory[req.Category]++
		if req.Status == Pending {
			s.Pending++
		}
		if req.RespondedAt != nil {
			latencySum += req.RespondedAt.Sub(req.CreatedAt).Seconds()
			resolved++
		}
	}
	decided := s.ByStatus[Approved] + s.ByStatus[Rejected]
	if decided > 0 {
		s.ApprovalRate = float64(s.ByStatus[Approved]) / float64(decided)
	}
	if resolved > 0 {
		s.AvgResponseSeconds = latencySum / float64(resolved)
	}
	return s
}

// CleanupExpired sweeps PENDING requests past their deadline so nothing
// stays falsely pending when no one ever waits on it. Returns the number of
// requests expired.
func (r *Registry) CleanupExpired() int {
	r.mu.RLock()
	all := make([]*tracked, 0, len(r.requests))
	for _, t := range r.requests {
		all = append(all, t)
	}
	r.mu.RUnlock()
	now := time.Now().UTC()
	expired := 0
	for _, t := range all {
		t.mu.Lock()
		if t.req.Status == Pending && IsExpired(now, t.req.ExpiresAt) {
			r.expireLocked(t, now)
			expired++
		}
		t.mu.Unlock()
	}
	return expired
}

func (r *Registry) audit(actor, event string, data map[string]interface{}) {
	if r.Ledger == nil {
		return
	}
	r.Ledger.Append(actor, event, data)
}
