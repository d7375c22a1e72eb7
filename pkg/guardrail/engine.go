package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"aegisgate/pkg/audit"
	"aegisgate/pkg/ratecost"
)

type Config struct {
	RateLimitPerWindow  int
	RateLimitWindow     time.Duration
	MaxTokensPerRequest int
	MaxTokensPerDay     int64
	RedactionToken      string
	MaxMatchedLen       int
}

// Engine evaluates the ordered rule table at four checkpoints. Admin
// mutations are safe while checks are in flight: every check works on a
// snapshot of the table taken at call start.
type Engine struct {
	Limiter ratecost.Limiter
	Costs   ratecost.CostTracker
	Ledger  *audit.Ledger

	cfg           Config
	mu            sync.RWMutex
	order         []string
	rules         map[string]*Rule
	restricted    map[string]RestrictedTool
	allowedTopics []string
}

func New(cfg Config) *Engine {
	if cfg.RedactionToken == "" {
		cfg.RedactionToken = "[REDACTED]"
	}
	if cfg.MaxMatchedLen <= 0 {
		cfg.MaxMatchedLen = 80
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Engine{
		cfg:        cfg,
		rules:      map[string]*Rule{},
		restricted: map[string]RestrictedTool{},
	}
}

func (e *Engine) RegisterRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if !validType(r.Type) {
		return fmt.Errorf("%w: unknown checkpoint type %q", ErrInvalidRule, r.Type)
	}
	if !validAction(r.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	if r.Check == nil && r.Pattern == nil {
		return fmt.Errorf("%w: rule %q needs a pattern or a predicate", ErrInvalidRule, r.Name)
	}
	if r.Check == nil {
		r.Check = patternCheck(r)
	}
	r.Enabled = true
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
	}
	stored := r
	e.rules[r.Name] = &stored
	e.order = append(e.order, r.Name)
	return nil
}

func patternCheck(r Rule) CheckFunc {
	pattern := r.Pattern
	return func(content string, _ Context) *Violation {
		m := pattern.FindString(content)
		if m == "" {
			return nil
		}
		return &Violation{Message: r.Message, Matched: m}
	}
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	r, ok := e.rules[name]
	if ok {
		r.Enabled = enabled
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	if e.Ledger != nil {
		event := "rule_disabled"
		if enabled {
			event = "rule_enabled"
		}
		e.Ledger.Append("", event, map[string]interface{}{"rule": name})
	}
	return nil
}

func (e *Engine) EnableRule(name string) error  { return e.setEnabled(name, true) }
func (e *Engine) DisableRule(name string) error { return e.setEnabled(name, false) }

func (e *Engine) SetAllowedTopics(topics []string) {
	cleaned := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	e.mu.Lock()
	e.allowedTopics = cleaned
	e.mu.Unlock()
}

func (e *Engine) RestrictTool(name string, severity Severity, requireApproval bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	e.mu.Lock()
	e.restricted[name] = RestrictedTool{Severity: severity, RequireApproval: requireApproval}
	e.mu.Unlock()
}

func (e *Engine) UnrestrictTool(name string) {
	e.mu.Lock()
	delete(e.restricted, name)
	e.mu.Unlock()
}

// Rules lists registered rules in registration order.
func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleInfo, 0, len(e.order))
	for _, name := range e.order {
		r := e.rules[name]
		out = append(out, RuleInfo{Name: r.Name, Type: r.Type, Severity: r.Severity, Action: r.Action, Enabled: r.Enabled})
	}
	return out
}

// RestrictedTools lists the restricted-tool table sorted by name.
func (e *Engine) RestrictedTools() map[string]RestrictedTool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]RestrictedTool, len(e.restricted))
	for k, v := range e.restricted {
		out[k] = v
	}
	return out
}

// snapshot copies the enabled rules of the given types, preserving
// registration order, so one check never observes a half-mutated table.
func (e *Engine) snapshot(types ...CheckType) []Rule {
	want := map[CheckType]struct{}{}
	for _, t := range types {
		want[t] = struct{}{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.order))
	for _, name := range e.order {
		r := e.rules[name]
		if !r.Enabled {
			continue
		}
		if _, ok := want[r.Type]; !ok {
			continue
		}
		out = append(out, *r)
	}
	return out
}

func (e *Engine) topicsSnapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.allowedTopics...)
}

// runRule evaluates one predicate, swallowing panics: a crashing rule is
// treated as not firing rather than aborting the whole checkpoint.
func runRule(r Rule, content string, rctx Context) (v *Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
		}
	}()
	return r.Check(content, rctx)
}

func (e *Engine) violation(r Rule, raw *Violation) Violation {
	v := Violation{
		Type:     r.Type,
		Rule:     r.Name,
		Severity: r.Severity,
		Message:  raw.Message,
		Matched:  truncate(raw.Matched, e.cfg.MaxMatchedLen),
		Action:   r.Action,
		At:       time.Now().UTC(),
	}
	if v.Message == "" {
		v.Message = r.Message
	}
	if v.Message == "" {
		v.Message = "rule " + r.Name + " matched"
	}
	return v
}

func finalize(res Result) Result {
	res.ViolationCount = len(res.Violations)
	return res
}

func (e *Engine) auditResult(event, principalID string, res Result) {
	if e.Ledger == nil {
		return
	}
	rules := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		rules = append(rules, v.Rule)
	}
	e.Ledger.Append(principalID, event, map[string]interface{}{
		"reason": res.Reason,
		"rules":  rules,
	})
}

// CheckInput screens content before the agent consumes it. The rate-limit
// window is consulted first; no rule runs for an exhausted principal.
func (e *Engine) CheckInput(content, principalID string, rctx Context) Result {
	res := Result{Passed: true, Content: content}
	if content == "" {
		return finalize(res)
	}
	if e.Limiter != nil && e.cfg.RateLimitPerWindow > 0 {
		d := e.Limiter.Allow(principalID, e.cfg.RateLimitPerWindow)
		if !d.Allowed {
			res.Passed = false
			res.Blocked = true
			res.Reason = "rate limit exceeded"
			res.Violations = append(res.Violations, Violation{
				Type:     TypeRateLimit,
				Rule:     "rate_limit",
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("rate limit exceeded: %d requests per %s", d.Limit, e.cfg.RateLimitWindow),
				Action:   ActionBlock,
				At:       time.Now().UTC(),
			})
			e.auditResult("guard_blocked", principalID, res)
			return finalize(res)
		}
	}
	res = e.evaluate(res, e.snapshot(TypeInput), rctx)
	if res.Blocked || !res.Passed {
		e.auditResult("guard_blocked", principalID, res)
		return finalize(res)
	}
	if topics := e.topicsSnapshot(); len(topics) > 0 && !topicAllowed(content, topics) {
		res.Passed = false
		res.Blocked = true
		res.Reason = "content outside allowed topics"
		res.Violations = append(res.Violations, Violation{
			Type:     TypeTopic,
			Rule:     "allowed_topics",
			Severity: SeverityMedium,
			Message:  "content does not match any allowed topic",
			Action:   ActionBlock,
			At:       time.Now().UTC(),
		})
		e.auditResult("guard_blocked", principalID, res)
	}
	return finalize(res)
}

func topicAllowed(content string, topics []string) bool {
	lower := strings.ToLower(content)
	for _, t := range topics {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// CheckOutput screens generated content before it is returned. MODIFY rules
// redact left-to-right in registration order, each working on the previous
// rule's output; a BLOCK short-circuits with the content unmodified.
func (e *Engine) CheckOutput(content string, rctx Context) Result {
	res := Result{Passed: true, Content: content}
	if content == "" {
		return finalize(res)
	}
	res = e.evaluate(res, e.snapshot(TypeOutput, TypePII), rctx)
	if res.Blocked {
		// blocked output is returned as-is, never partially redacted
		res.Content = content
		res.Modified = false
	}
	if res.Blocked || res.Modified || !res.Passed {
		event := "guard_modified"
		if res.Blocked || !res.Passed {
			event = "guard_blocked"
		}
		e.auditResult(event, "", res)
	}
	return finalize(res)
}

// evaluate runs rules in registration order against res.Content, applying
// the first-block-wins and compose-redactions ordering contract.
func (e *Engine) evaluate(res Result, rules []Rule, rctx Context) Result {
	for _, r := range rules {
		raw := runRule(r, res.Content, rctx)
		if raw == nil {
			continue
		}
		v := e.violation(r, raw)
		switch r.Action {
		case ActionBlock:
			res.Passed = false
			res.Blocked = true
			res.Reason = v.Message
			res.Violations = append(res.Violations, v)
			return res
		case ActionRequireApproval:
			res.Passed = false
			res.Reason = "approval required: " + r.Name
			res.Violations = append(res.Violations, v)
			return res
		case ActionModify:
			res.Content = e.redact(res.Content, r, raw.Matched)
			res.Modified = true
			res.Violations = append(res.Violations, v)
		default: // WARN
			res.Violations = append(res.Violations, v)
		}
	}
	return res
}

func (e *Engine) redact(content string, r Rule, matched string) string {
	if r.Pattern != nil {
		return r.Pattern.ReplaceAllString(content, e.cfg.RedactionToken)
	}
	if matched != "" {
		return strings.ReplaceAll(content, matched, e.cfg.RedactionToken)
	}
	return content
}

// CheckToolCall screens a tool invocation. A restricted tool that requires
// approval is definitive; otherwise the serialized arguments are scanned
// against the input block patterns.
func (e *Engine) CheckToolCall(toolName string, args map[string]interface{}, principalID string) Result {
	res := Result{Passed: true}
	e.mu.RLock()
	rt, restricted := e.restricted[toolName]
	e.mu.RUnlock()
	if restricted && rt.RequireApproval {
		res.Passed = false
		res.Reason = "approval required: tool " + toolName
		res.Violations = append(res.Violations, Violation{
			Type:     TypeTool,
			Rule:     "restricted_tool",
			Severity: rt.Severity,
			Message:  fmt.Sprintf("tool %q requires human approval", toolName),
			Matched:  toolName,
			Action:   ActionRequireApproval,
			At:       time.Now().UTC(),
		})
		e.auditResult("guard_approval_required", principalID, res)
		return finalize(res)
	}
	serialized, err := json.Marshal(args)
	if err != nil {
		serialized = []byte(fmt.Sprint(args))
	}
	scanned := toolName + " " + string(serialized)
	for _, r := range e.snapshot(TypeInput) {
		if r.Action != ActionBlock {
			continue
		}
		raw := runRule(r, scanned, nil)
		if raw == nil {
			continue
		}
		v := e.violation(r, raw)
		v.Type = TypeTool
		res.Passed = false
		res.Blocked = true
		res.Reason = v.Message
		res.Violations = append(res.Violations, v)
		e.auditResult("guard_blocked", principalID, res)
		return finalize(res)
	}
	return finalize(res)
}

// CheckCost enforces the per-request token ceiling and the per-principal
// daily ceiling. Both breaches may be reported in one result.
func (e *Engine) CheckCost(tokens int, principalID, model string) Result {
	res := Result{Passed: true}
	now := time.Now().UTC()
	if e.cfg.MaxTokensPerRequest > 0 && tokens > e.cfg.MaxTokensPerRequest {
		res.Violations = append(res.Violations, Violation{
			Type:     TypeCost,
			Rule:     "max_tokens_per_request",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("request of %d tokens exceeds per-request limit %d (model %s)", tokens, e.cfg.MaxTokensPerRequest, model),
			Action:   ActionBlock,
			At:       now,
		})
	}
	if e.Costs != nil {
		daily := e.Costs.Add(principalID, int64(tokens))
		if e.cfg.MaxTokensPerDay > 0 && daily > e.cfg.MaxTokensPerDay {
			res.Violations = append(res.Violations, Violation{
				Type:     TypeCost,
				Rule:     "max_tokens_per_day",
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("daily spend of %d tokens exceeds limit %d for %s", daily, e.cfg.MaxTokensPerDay, principalID),
				Action:   ActionBlock,
				At:       now,
			})
		}
	}
	if len(res.Violations) > 0 {
		res.Passed = false
		res.Blocked = true
		res.Reason = res.Violations[0].Message
		e.auditResult("guard_blocked", principalID, res)
	}
	return finalize(res)
}
