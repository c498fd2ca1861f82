// Package payments authorizes money movement between customer and vendor
// accounts.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/bank-api/internal/camt"
	"github.com/example/bank-api/internal/ledger"
	"github.com/example/bank-api/internal/publisher"
	"github.com/example/bank-api/pkg/audit"
)

const (
	maxAttempts          = 3
	compensationAttempts = 3
	compensationTimeout  = 5 * time.Second
)

// Publisher delivers confirmations of paid requests.
type Publisher interface {
	Publish(ctx context.Context, doc *camt.Document) publisher.Result
}

// Auditor records one tamper-evident entry per processed payment.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// Dependencies wires an Engine. Only Store is required.
type Dependencies struct {
	Store     ledger.Store
	Publisher Publisher
	Auditor   Auditor
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine is the only component that moves money.
type Engine struct {
	store     ledger.Store
	publisher Publisher
	auditor   Auditor
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine fills unset optional dependencies with a Noop publisher,
// slog.Default and the UTC wall clock.
func NewEngine(deps Dependencies) *Engine {
	e := &Engine{
		store:     deps.Store,
		publisher: deps.Publisher,
		auditor:   deps.Auditor,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if e.publisher == nil {
		e.publisher = publisher.Noop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Process runs one payment. The returned error is non-nil only for a
// *ValidationError, in which case nothing was written. Every other result,
// including storage failures, is reported through the Outcome.
func (e *Engine) Process(ctx context.Context, in Instruction) (*Outcome, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	req := ledger.PaymentRequest{
		RequestID:   in.RequestID,
		EndToEndID:  in.ReferenceID,
		CustomerAcc: in.PayerID,
		VendorAcc:   in.PayeeID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Status:      ledger.StatusReceived,
		ReceivedAt:  e.now(),
		Payload:     in.Payload,
	}

	var (
		out    *Outcome
		logged bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, logged = e.attempt(ctx, in, req)
		if out.Kind != KindSystemFailure || !errors.Is(out.Cause, ledger.ErrConflict) || attempt == maxAttempts-1 {
			break
		}
		e.logger.Warn("payment_conflict_retry", "request_id", in.RequestID, "attempt", attempt+1, "error", out.Cause)
		if err := sleepCtx(ctx, time.Duration(attempt+1)*10*time.Millisecond); err != nil {
			out = e.systemFailure(in, fmt.Errorf("retry aborted: %w", err))
			break
		}
	}

	if !out.Paid() && logged && !errors.Is(out.Cause, ledger.ErrDuplicate) {
		e.compensate(ctx, req)
	}

	if out.Paid() {
		e.confirm(ctx, in, out)
	}

	e.report(in, out)
	return out, nil
}

// attempt runs steps 1-7 in a single unit of work. logged reports whether
// the request row was written before the attempt ended.
func (e *Engine) attempt(ctx context.Context, in Instruction, req ledger.PaymentRequest) (out *Outcome, logged bool) {
	uow, err := e.store.Begin(ctx)
	if err != nil {
		return e.systemFailure(in, err), false
	}
	defer func() {
		if r := recover(); r != nil {
			out = e.systemFailure(in, fmt.Errorf("panic during payment: %v", r))
		}
		if err := uow.Rollback(ctx); err != nil {
			e.logger.Error("payment_rollback_failed", "request_id", in.RequestID, "error", err)
		}
	}()

	if err := uow.AppendRequest(ctx, req); err != nil {
		return e.systemFailure(in, err), false
	}
	logged = true

	payer, err := uow.AcquireExclusive(ctx, ledger.Payer(in.PayerID))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return e.rejected(in, ReasonPayerNotFound), logged
		}
		return e.systemFailure(in, err), logged
	}

	if payer.Balance.LessThan(in.Amount) {
		return e.rejected(in, ReasonInsufficientFunds), logged
	}

	ok, err := uow.Exists(ctx, ledger.Payee(in.PayeeID))
	if err != nil {
		return e.systemFailure(in, err), logged
	}
	if !ok {
		return e.rejected(in, ReasonPayeeNotFound), logged
	}

	if err := uow.Adjust(ctx, ledger.Payer(in.PayerID), in.Amount.Neg()); err != nil {
		return e.systemFailure(in, err), logged
	}
	if err := uow.Adjust(ctx, ledger.Payee(in.PayeeID), in.Amount); err != nil {
		return e.systemFailure(in, err), logged
	}
	if err := uow.UpdateStatus(ctx, in.RequestID, ledger.StatusPaid, e.now()); err != nil {
		return e.systemFailure(in, err), logged
	}
	if err := uow.Commit(ctx); err != nil {
		return e.systemFailure(in, err), logged
	}

	return &Outcome{
		Kind:      KindPaid,
		RequestID: in.RequestID,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}, logged
}

// compensate moves the logged request to FAILED. It runs detached from the
// caller's context and never fails the payment; a lost write leaves no
// FAILED row behind and is only logged.
func (e *Engine) compensate(ctx context.Context, req ledger.PaymentRequest) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var err error
	for i := 0; i < compensationAttempts; i++ {
		if err = e.store.RecordFailure(cctx, req, e.now()); err == nil {
			return
		}
		if sleepCtx(cctx, time.Duration(i+1)*20*time.Millisecond) != nil {
			break
		}
	}
	e.logger.Error("payment_compensation_failed",
		"request_id", req.RequestID,
		"attempts", compensationAttempts,
		"error", err,
	)
}

// confirm renders and pushes the confirmation after commit. Nothing here
// can change the ledger.
func (e *Engine) confirm(ctx context.Context, in Instruction, out *Outcome) {
	doc, err := camt.Generate(in.Currency, in.Amount, in.PayerID, in.ReferenceID, e.now())
	if err != nil {
		out.Delivery = &publisher.Result{HTTPStatus: http.StatusInternalServerError, Err: err}
		return
	}
	out.ConfirmationID = doc.MessageID

	res := e.publisher.Publish(context.WithoutCancel(ctx), doc)
	out.Delivery = &res
}

func (e *Engine) report(in Instruction, out *Outcome) {
	delivery := ""
	if out.Delivery != nil {
		delivery = out.Delivery.Status()
	}

	switch out.Kind {
	case KindPaid:
		e.logger.Info("payment_processed",
			"request_id", in.RequestID,
			"outcome", string(out.Kind),
			"amount", in.Amount.String(),
			"currency", in.Currency,
			"confirmation_id", out.ConfirmationID,
			"delivery", delivery,
		)
		if out.Delivery != nil && !out.Delivery.Delivered {
			e.logger.Warn("confirmation_push_failed",
				"request_id", in.RequestID,
				"http_status", out.Delivery.HTTPStatus,
				"error", out.Delivery.Err,
			)
		}
	case KindRejected:
		e.logger.Info("payment_processed",
			"request_id", in.RequestID,
			"outcome", string(out.Kind),
			"reason", string(out.Reason),
		)
	default:
		e.logger.Error("payment_processed",
			"request_id", in.RequestID,
			"outcome", string(out.Kind),
			"error", out.Cause,
		)
	}

	if e.auditor != nil {
		e.auditor.Append(fmt.Sprintf("payment request_id=%s e2e=%s payer=%s payee=%s amount=%s currency=%s outcome=%s reason=%s delivery=%q",
			in.RequestID, in.ReferenceID, in.PayerID, in.PayeeID, in.Amount.String(), in.Currency, out.Kind, out.Reason, delivery))
	}
}

func (e *Engine) rejected(in Instruction, reason Reason) *Outcome {
	return &Outcome{
		Kind:      KindRejected,
		Reason:    reason,
		RequestID: in.RequestID,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}
}

func (e *Engine) systemFailure(in Instruction, cause error) *Outcome {
	return &Outcome{
		Kind:      KindSystemFailure,
		Cause:     cause,
		RequestID: in.RequestID,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
