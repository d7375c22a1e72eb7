package guardrail

import (
	"errors"
	"regexp"
	"time"
)

type CheckType string

const (
	TypeInput     CheckType = "INPUT"
	TypeOutput    CheckType = "OUTPUT"
	TypeTool      CheckType = "TOOL"
	TypeCost      CheckType = "COST"
	TypePII       CheckType = "PII"
	TypeRateLimit CheckType = "RATE_LIMIT"
	TypeTopic     CheckType = "TOPIC"
)

type Action string

const (
	ActionBlock           Action = "BLOCK"
	ActionWarn            Action = "WARN"
	ActionModify          Action = "MODIFY"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var (
	ErrDuplicateRule = errors.New("rule name already registered")
	ErrUnknownRule   = errors.New("unknown rule")
	ErrInvalidRule   = errors.New("invalid rule")
)

func validType(t CheckType) bool {
	switch t {
	case TypeInput, TypeOutput, TypeTool, TypeCost, TypePII, TypeRateLimit, TypeTopic:
		return true
	default:
		return false
	}
}

func validAction(a Action) bool {
	switch a {
	case ActionBlock, ActionWarn, ActionModify, ActionRequireApproval:
		return true
	default:
		return false
	}
}

// Violation is one rule's recorded match against content. Immutable once
// created.
type Violation struct {
	Type     CheckType `json:"type"`
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Matched  string    `json:"matched_content_truncated,omitempty"`
	Action   Action    `json:"action"`
	At       time.Time `json:"timestamp"`
}

// Result is the verdict of one checkpoint evaluation. It is a value, never
// an error: blocking and redaction are expected outcomes.
type Result struct {
	Passed         bool        `json:"passed"`
	Blocked        bool        `json:"blocked"`
	Modified       bool        `json:"modified"`
	Reason         string      `json:"reason,omitempty"`
	Violations     []Violation `json:"violations,omitempty"`
	ViolationCount int         `json:"violation_count"`
	Content        string      `json:"-"`
}

// Context carries caller-supplied metadata into rule predicates.
type Context map[string]interface{}

// CheckFunc inspects content and returns a Violation when the rule fires,
// nil otherwise. Predicates must be pure; a panicking predicate is treated
// as not firing.
type CheckFunc func(content string, rctx Context) *Violation

// Rule is a tagged guardrail entry. Pattern-based rules leave Check nil and
// get a predicate derived from Pattern at registration; MODIFY rules use
// Pattern to redact every match.
type Rule struct {
	Name     string
	Type     CheckType
	Severity Severity
	Action   Action
	Message  string
	Pattern  *regexp.Regexp
	Check    CheckFunc
	Enabled  bool
}

// RuleInfo is the inspectable form of a registered rule.
type RuleInfo struct {
	Name     string    `json:"name"`
	Type     CheckType `json:"type"`
	Severity Severity  `json:"severity"`
	Action   Action    `json:"action"`
	Enabled  bool      `json:"enabled"`
}

// RestrictedTool marks a tool name as sensitive.
type RestrictedTool struct {
	Severity        Severity `json:"severity"`
	RequireApproval bool     `json:"requires_approval"`
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
