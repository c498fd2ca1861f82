package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-payment error. Status mirrors the
// "ERROR" marker used by the payment endpoint so clients can branch on one
// field.
type ErrorResponse struct {
	Status        string `json:"status"`
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteJSONErrorMessage(w, r, status, code, "")
}

func WriteJSONErrorMessage(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Status:        "ERROR",
		Error:         code,
		Message:       message,
		CorrelationID: cid,
	})
}
