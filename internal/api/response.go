package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/bank-api/internal/security"
)

// Payment status codes returned to the ERP.
const (
	codeSuccess           = 0
	codeInsufficientFunds = 1
	codePayerNotFound     = 3
	codePayeeNotFound     = 4
	codeError             = 99
)

const (
	statusSuccess = "SUCCESS"
	statusFailed  = "FAILED"
	statusError   = "ERROR"
)

// paymentResponse is the body of every /bank/receive_payment reply.
type paymentResponse struct {
	Status         string      `json:"status"`
	StatusCode     int         `json:"statusCode"`
	PaymentID      string      `json:"paymentId,omitempty"`
	Message        string      `json:"message"`
	SAPODataStatus string      `json:"sap_odata_status,omitempty"`
	Amount         json.Number `json:"amount,omitempty"`
	ConfirmationID string      `json:"confirmationId,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writePayment(w http.ResponseWriter, r *http.Request, status int, resp paymentResponse) {
	resp.CorrelationID = security.CorrelationIDFromContext(r.Context())
	writeJSON(w, r, status, resp)
}

// writePaymentRejection renders request-level failures of the payment
// endpoint in the payment envelope.
func writePaymentRejection(w http.ResponseWriter, r *http.Request, status int, code string) {
	msg := "Missing required payment fields"
	switch code {
	case "invalid_json", "invalid_request":
		msg = "Malformed payment request"
	case "payload_too_large":
		msg = "Payment request too large"
	}
	writePayment(w, r, status, paymentResponse{Status: statusError, StatusCode: codeError, Message: msg})
}
