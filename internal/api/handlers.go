package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/bank-api/internal/ledger"
	"github.com/example/bank-api/internal/payments"
	"github.com/example/bank-api/internal/security"
)

const lookupTimeout = 5 * time.Second

type receivePaymentRequest struct {
	CustomerAccount string      `json:"customerAccount"`
	VendorAccount   string      `json:"vendorAccount"`
	PaymentAmount   json.Number `json:"paymentAmount"`
	Currency        string      `json:"currency"`
	PaymentID       string      `json:"paymentId"`
	EndToEndID      string      `json:"endToEndId"`
	XMLContent      string      `json:"xmlContent"`
}

type batchFileResponse struct {
	Status        string `json:"status"`
	ReceiptID     string `json:"receiptId"`
	CorrelationID string `json:"correlation_id"`
}

type accountResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *ledger.Account `json:"account"`
}

type transactionResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Transaction   *ledger.PaymentRequest `json:"transaction"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	DBStatus string `json:"db_status"`
	DBCode   int    `json:"db_code"`
}

func handleReceivePayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Payments == nil {
			writePayment(w, r, http.StatusServiceUnavailable, paymentResponse{Status: statusError, StatusCode: codeError, Message: "Bank system offline"})
			return
		}

		var req receivePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writePaymentRejection(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		amount, err := decimal.NewFromString(req.PaymentAmount.String())
		if err != nil {
			writePaymentRejection(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		out, err := deps.Payments.Process(r.Context(), payments.Instruction{
			RequestID:   req.PaymentID,
			ReferenceID: req.EndToEndID,
			PayerID:     req.CustomerAccount,
			PayeeID:     req.VendorAccount,
			Amount:      amount,
			Currency:    req.Currency,
			Payload:     []byte(req.XMLContent),
		})
		if err != nil {
			var ve *payments.ValidationError
			if errors.As(err, &ve) {
				msg := "Missing required payment fields"
				if !ve.Missing {
					msg = "Invalid payment fields: " + ve.Message
				}
				writePayment(w, r, http.StatusBadRequest, paymentResponse{Status: statusError, StatusCode: codeError, PaymentID: req.PaymentID, Message: msg})
				return
			}
			deps.Logger.Error("payment_handler_error", "cid", security.CorrelationIDFromContext(r.Context()), "request_id", req.PaymentID, "error", err)
			writePayment(w, r, http.StatusInternalServerError, paymentResponse{Status: statusError, StatusCode: codeError, PaymentID: req.PaymentID, Message: "Internal processing error"})
			return
		}

		status, resp := paymentOutcomeResponse(out)
		resp.PaymentID = req.PaymentID
		writePayment(w, r, status, resp)
	}
}

// paymentOutcomeResponse maps an engine outcome to the wire contract.
// Storage error text never reaches the client.
func paymentOutcomeResponse(out *payments.Outcome) (int, paymentResponse) {
	switch out.Kind {
	case payments.KindPaid:
		resp := paymentResponse{
			Status:     statusSuccess,
			StatusCode: codeSuccess,
			Message:    "Payment processed successfully",
			Amount:     json.Number(out.Amount.String()),
		}
		if out.Delivery != nil {
			resp.SAPODataStatus = out.Delivery.Status()
		}
		resp.ConfirmationID = out.ConfirmationID
		return http.StatusOK, resp

	case payments.KindRejected:
		switch out.Reason {
		case payments.ReasonInsufficientFunds:
			return http.StatusOK, paymentResponse{Status: statusFailed, StatusCode: codeInsufficientFunds, Message: "Insufficient Funds"}
		case payments.ReasonPayerNotFound:
			return http.StatusNotFound, paymentResponse{Status: statusFailed, StatusCode: codePayerNotFound, Message: "Customer Account not found"}
		case payments.ReasonPayeeNotFound:
			return http.StatusNotFound, paymentResponse{Status: statusFailed, StatusCode: codePayeeNotFound, Message: "Vendor Account not found"}
		}
	}

	if errors.Is(out.Cause, ledger.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable, paymentResponse{Status: statusError, StatusCode: codeError, Message: "Bank system offline"}
	}
	return http.StatusInternalServerError, paymentResponse{Status: statusError, StatusCode: codeError, Message: "Internal processing error"}
}

func handleBatchFile(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Batches == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				security.WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		if len(body) == 0 {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "empty batch file")
			return
		}

		contentType := "application/octet-stream"
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
			contentType = mt
		}

		f := ledger.BatchFile{
			ReceiptID:   "BATCH-" + uuid.NewString(),
			ContentType: contentType,
			Body:        body,
			ReceivedAt:  time.Now().UTC(),
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()
		if err := deps.Batches.SaveBatchFile(ctx, f); err != nil {
			deps.Logger.Error("batch_file_store_failed", "cid", security.CorrelationIDFromContext(r.Context()), "receipt_id", f.ReceiptID, "error", err)
			writeStorageError(w, r, err)
			return
		}

		deps.Logger.Info("batch_file_received",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"receipt_id", f.ReceiptID,
			"content_type", f.ContentType,
			"bytes", len(body),
		)
		writeJSON(w, r, http.StatusAccepted, batchFileResponse{
			Status:        "ACCEPTED",
			ReceiptID:     f.ReceiptID,
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		kind, err := ledger.ParseAccountKind(chi.URLParam(r, "type"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_account_type")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()
		acc, err := deps.Ledger.GetAccount(ctx, ledger.AccountRef{Kind: kind, Number: chi.URLParam(r, "accNo")})
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
				return
			}
			writeStorageError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acc,
		})
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()
		req, err := deps.Ledger.GetPaymentRequest(ctx, chi.URLParam(r, "requestId"))
		if err != nil {
			if errors.Is(err, ledger.ErrRequestNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "transaction_not_found")
				return
			}
			writeStorageError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   req,
		})
	}
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "UP", Service: "Bank API", DBStatus: "Online"}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()
		if deps.Ledger == nil || deps.Ledger.Ping(ctx) != nil {
			resp = healthResponse{Status: "DOWN", Service: "Bank API", DBStatus: "Offline", DBCode: 1}
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, r, status, resp)
	}
}

func writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		security.WriteJSONErrorMessage(w, r, http.StatusServiceUnavailable, "storage_unavailable", "Bank system offline")
		return
	}
	security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
}
