package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind selects which ledger an account lives in.
type AccountKind string

const (
	// Customer accounts are debited (payers).
	Customer AccountKind = "customer"
	// Vendor accounts are credited (payees).
	Vendor AccountKind = "vendor"
)

// ParseAccountKind validates a kind received from an outer boundary.
func ParseAccountKind(s string) (AccountKind, error) {
	switch AccountKind(s) {
	case Customer, Vendor:
		return AccountKind(s), nil
	default:
		return "", fmt.Errorf("invalid account type: %q", s)
	}
}

func (k AccountKind) table() string {
	if k == Vendor {
		return "vendor_accounts"
	}
	return "customer_accounts"
}

// AccountRef identifies one account row.
type AccountRef struct {
	Kind   AccountKind
	Number string
}

func Payer(accNo string) AccountRef { return AccountRef{Kind: Customer, Number: accNo} }
func Payee(accNo string) AccountRef { return AccountRef{Kind: Vendor, Number: accNo} }

func (r AccountRef) String() string { return string(r.Kind) + "/" + r.Number }

// Account represents a ledger account
type Account struct {
	Kind       AccountKind     `json:"type"`
	Number     string          `json:"acc_no"`
	HolderName string          `json:"holder_name"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewAccount is the input for seeding an account.
type NewAccount struct {
	Ref        AccountRef
	HolderName string
	Currency   string
	Balance    decimal.Decimal
}

// PaymentRequest is one entry of the payment request log.
type PaymentRequest struct {
	RequestID   string          `json:"request_id"`
	EndToEndID  string          `json:"end_to_end_id"`
	CustomerAcc string          `json:"customer_acc"`
	VendorAcc   string          `json:"vendor_acc"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      Status          `json:"status"`
	ReceivedAt  time.Time       `json:"received_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Payload     []byte          `json:"-"`
}

// BatchFile is an inbound batch document kept verbatim.
type BatchFile struct {
	ReceiptID   string
	ContentType string
	Body        []byte
	ReceivedAt  time.Time
}

// UnitOfWork groups the writes of a single payment attempt. Every write
// commits together or not at all, and an account returned by
// AcquireExclusive stays locked until Commit or Rollback.
type UnitOfWork interface {
	AppendRequest(ctx context.Context, req PaymentRequest) error
	AcquireExclusive(ctx context.Context, ref AccountRef) (*Account, error)
	Exists(ctx context.Context, ref AccountRef) (bool, error)
	Adjust(ctx context.Context, ref AccountRef, delta decimal.Decimal) error
	UpdateStatus(ctx context.Context, requestID string, to Status, at time.Time) error
	Commit(ctx context.Context) error
	// Rollback is safe to call after Commit.
	Rollback(ctx context.Context) error
}

// Store is the durable ledger.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	// RecordFailure marks req FAILED outside any unit of work. It inserts the
	// row when an earlier rollback removed it and never overwrites a
	// terminal status, so repeated calls are harmless.
	RecordFailure(ctx context.Context, req PaymentRequest, at time.Time) error

	GetAccount(ctx context.Context, ref AccountRef) (*Account, error)
	GetPaymentRequest(ctx context.Context, requestID string) (*PaymentRequest, error)
	CreateAccount(ctx context.Context, acc NewAccount) (*Account, error)
	SaveBatchFile(ctx context.Context, f BatchFile) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Inspector exposes the read queries used by the invariant checks.
type Inspector interface {
	RequestsInStatus(ctx context.Context, status Status, receivedBefore time.Time) ([]*PaymentRequest, error)
	NegativeBalances(ctx context.Context) ([]*Account, error)
}
