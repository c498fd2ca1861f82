package payments

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxFractionDigits and MaxIntegerDigits match the NUMERIC(20, 8) ledger
// columns.
const (
	MaxFractionDigits = 8
	MaxIntegerDigits  = 12
)

var maxAmount = decimal.New(1, MaxIntegerDigits)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Instruction is one payment to process.
type Instruction struct {
	RequestID   string
	ReferenceID string
	PayerID     string
	PayeeID     string
	Amount      decimal.Decimal
	Currency    string
	// Payload is the original instruction document, stored verbatim.
	Payload []byte
}

// ValidationError rejects an instruction before any storage access.
type ValidationError struct {
	Fields  []string
	Message string
	// Missing is set when required fields are absent or empty.
	Missing bool
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

// Validate checks required fields first, then formats.
func (in Instruction) Validate() error {
	var missing []string
	if strings.TrimSpace(in.RequestID) == "" {
		missing = append(missing, "request_id")
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		missing = append(missing, "reference_id")
	}
	if strings.TrimSpace(in.PayerID) == "" {
		missing = append(missing, "payer_id")
	}
	if strings.TrimSpace(in.PayeeID) == "" {
		missing = append(missing, "payee_id")
	}
	if in.Currency == "" {
		missing = append(missing, "currency")
	}
	if len(in.Payload) == 0 {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Message: "missing required payment fields", Missing: true}
	}

	if !in.Amount.IsPositive() {
		return &ValidationError{Fields: []string{"amount"}, Message: "amount must be positive"}
	}
	if in.Amount.GreaterThanOrEqual(maxAmount) {
		return &ValidationError{Fields: []string{"amount"}, Message: fmt.Sprintf("amount exceeds %d integer digits", MaxIntegerDigits)}
	}
	if !in.Amount.Equal(in.Amount.Truncate(MaxFractionDigits)) {
		return &ValidationError{Fields: []string{"amount"}, Message: fmt.Sprintf("amount has more than %d fractional digits", MaxFractionDigits)}
	}
	if !currencyRe.MatchString(in.Currency) {
		return &ValidationError{Fields: []string{"currency"}, Message: "currency must be a 3-letter ISO 4217 code"}
	}
	return nil
}
