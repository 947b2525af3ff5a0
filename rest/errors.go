package rest

import (
	"encoding/json"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/quantfolio/go-brokers/core"
)

type errorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Broker         string `json:"broker,omitempty"`
	Retryable      bool   `json:"retryable"`
	RequiresReauth bool   `json:"requires_reauthorization"`
	RecoveryAction string `json:"recovery_action,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError translates a classified error into the wire envelope.
// Token material never appears here: messages come from the
// classification table, not from upstream response bodies.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil {
		writeErrorMessage(w, r, http.StatusInternalServerError, "BROKER_INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	status := richErr.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := errorBody{
		Code:           richErr.TextCode,
		Message:        richErr.Message,
		Broker:         core.ErrorBroker(richErr).String(),
		Retryable:      core.IsRetryable(richErr),
		RequiresReauth: core.RequiresReauthorization(richErr),
		CorrelationID:  CorrelationIDFromContext(r.Context()),
	}
	if richErr.Metadata != nil {
		if action, ok := richErr.Metadata[core.MetadataKeyRecoveryAction].(string); ok {
			body.RecoveryAction = action
		}
	}
	if body.Code == "" {
		body.Code = "BROKER_INTERNAL_ERROR"
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:          code,
		Message:       message,
		CorrelationID: CorrelationIDFromContext(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
