package approval

import (
	"fmt"
	"strings"
	"time"
)

// Policy supplies category-keyed defaults for new requests. A category may
// be claimed by several policies; the first registered wins, so registration
// order is preserved and lookups are deterministic.
type Policy struct {
	Name            string        `json:"name"`
	Categories      []string      `json:"categories"`
	AutoApprove     bool          `json:"auto_approve"`
	DefaultTimeout  time.Duration `json:"default_timeout_seconds"`
	DefaultPriority string        `json:"default_priority"`
	NotifyWebhook   bool          `json:"notify_webhook"`
	RequireReason   bool          `json:"require_reason"`
}

// DefaultPolicy is the built-in fallback when no registered policy claims a
// category.
func DefaultPolicy() Policy {
	return Policy{
		Name:            "default",
		DefaultTimeout:  time.Hour,
		DefaultPriority: PriorityMedium,
	}
}

func (p Policy) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name required")
	}
	for _, c := range p.Categories {
		if !ValidCategory(c) {
			return fmt.Errorf("%w: %s", ErrInvalidCategory, c)
		}
	}
	if p.DefaultPriority != "" && !ValidPriority(p.DefaultPriority) {
		return fmt.Errorf("invalid priority %q", p.DefaultPriority)
	}
	return nil
}

func (p Policy) normalized() Policy {
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = time.Hour
	}
	if p.DefaultPriority == "" {
		p.DefaultPriority = PriorityMedium
	}
	return p
}

func (p Policy) claims(category string) bool {
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}
