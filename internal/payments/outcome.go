package payments

import (
	"github.com/shopspring/decimal"

	"github.com/example/bank-api/internal/publisher"
)

// Kind classifies an Outcome.
type Kind string

const (
	KindPaid          Kind = "PAID"
	KindRejected      Kind = "REJECTED"
	KindSystemFailure Kind = "SYSTEM_FAILURE"
)

// Reason explains a rejection. Rejections are expected business results,
// not errors.
type Reason string

const (
	ReasonPayerNotFound     Reason = "PAYER_NOT_FOUND"
	ReasonPayeeNotFound     Reason = "PAYEE_NOT_FOUND"
	ReasonInsufficientFunds Reason = "INSUFFICIENT_FUNDS"
)

// Outcome is the result of Engine.Process.
type Outcome struct {
	Kind      Kind
	Reason    Reason
	Cause     error
	RequestID string
	Amount    decimal.Decimal
	Currency  string

	// Set on Paid only.
	Delivery       *publisher.Result
	ConfirmationID string
}

func (o *Outcome) Paid() bool     { return o.Kind == KindPaid }
func (o *Outcome) Rejected() bool { return o.Kind == KindRejected }
