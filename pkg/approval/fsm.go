package approval

import (
	"errors"
	"time"
)

const (
	Pending   = "PENDING"
	Approved  = "APPROVED"
	Rejected  = "REJECTED"
	Expired   = "EXPIRED"
	Cancelled = "CANCELLED"
)

const (
	CategoryExternalAPI   = "EXTERNAL_API"
	CategoryFileWrite     = "FILE_WRITE"
	CategoryDBModify      = "DATABASE_MODIFY"
	CategorySendEmail     = "SEND_EMAIL"
	CategoryPayment       = "PAYMENT"
	CategoryDelete        = "DELETE"
	CategoryPublish       = "PUBLISH"
	CategoryHighCost      = "HIGH_COST"
	CategorySensitiveData = "SENSITIVE_DATA"
	CategoryCustom        = "CUSTOM"
)

const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrInvalidState    = errors.New("approval request is not pending")
	ErrReasonRequired  = errors.New("policy requires a response reason")
	ErrInvalidCategory = errors.New("unknown approval category")
	ErrDuplicatePolicy = errors.New("policy name already registered")
	ErrUnknownPolicy   = errors.New("unknown policy")
)

// PENDING is the only non-terminal status; the transition out of it happens
// exactly once per request.
func CanTransition(from, to string) bool {
	if from != Pending {
		return false
	}
	switch to {
	case Approved, Rejected, Expired, Cancelled:
		return true
	default:
		return false
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Approved, Rejected, Expired, Cancelled:
		return true
	default:
		return false
	}
}

func ValidCategory(category string) bool {
	switch category {
	case CategoryExternalAPI, CategoryFileWrite, CategoryDBModify, CategorySendEmail,
		CategoryPayment, CategoryDelete, CategoryPublish, CategoryHighCost,
		CategorySensitiveData, CategoryCustom:
		return true
	default:
		return false
	}
}

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}
