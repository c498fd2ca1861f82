package ledger

import (
	"context"
	"fmt"
	"time"
)

// Validator provides invariants checking for the ledger
type Validator struct {
	inspector Inspector
	now       func() time.Time
}

// NewValidator creates a new validator instance
func NewValidator(inspector Inspector) *Validator {
	return &Validator{
		inspector: inspector,
		now:       time.Now,
	}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// ValidateNoNegativeBalances checks that no account was ever overdrawn.
func (v *Validator) ValidateNoNegativeBalances(ctx context.Context) *ValidationResult {
	accounts, err := v.inspector.NegativeBalances(ctx)
	if err != nil {
		return v.failed("non_negative_balance", fmt.Sprintf("failed to read balances: %v", err), nil)
	}
	if len(accounts) > 0 {
		refs := make([]string, 0, len(accounts))
		for _, a := range accounts {
			refs = append(refs, AccountRef{Kind: a.Kind, Number: a.Number}.String())
		}
		return v.failed("non_negative_balance",
			fmt.Sprintf("%d account(s) have a negative balance", len(accounts)),
			map[string]interface{}{"accounts": refs})
	}
	return v.passed("non_negative_balance", "all balances are non-negative")
}

// ValidateNoOrphanedRequests flags requests still RECEIVED after maxAge.
// A completed payment attempt always leaves PAID or FAILED behind, so a
// stale RECEIVED row means a compensating write was lost.
func (v *Validator) ValidateNoOrphanedRequests(ctx context.Context, maxAge time.Duration) *ValidationResult {
	stale, err := v.inspector.RequestsInStatus(ctx, StatusReceived, v.now().Add(-maxAge))
	if err != nil {
		return v.failed("no_orphaned_requests", fmt.Sprintf("failed to read requests: %v", err), nil)
	}
	if len(stale) > 0 {
		ids := make([]string, 0, len(stale))
		for _, r := range stale {
			ids = append(ids, r.RequestID)
		}
		return v.failed("no_orphaned_requests",
			fmt.Sprintf("%d request(s) stuck in %s for more than %s", len(stale), StatusReceived, maxAge),
			map[string]interface{}{"request_ids": ids})
	}
	return v.passed("no_orphaned_requests", "no orphaned requests")
}

// ValidateAll runs every check.
func (v *Validator) ValidateAll(ctx context.Context, maxAge time.Duration) []*ValidationResult {
	return []*ValidationResult{
		v.ValidateNoNegativeBalances(ctx),
		v.ValidateNoOrphanedRequests(ctx, maxAge),
	}
}

func (v *Validator) passed(kind, msg string) *ValidationResult {
	return &ValidationResult{IsValid: true, ValidationType: kind, Message: msg, Timestamp: v.now()}
}

func (v *Validator) failed(kind, msg string, details map[string]interface{}) *ValidationResult {
	return &ValidationResult{IsValid: false, ValidationType: kind, Message: msg, Timestamp: v.now(), Details: details}
}
