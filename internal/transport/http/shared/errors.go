// Package shared holds transport helpers used by every handler.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/platform/sentinel"
)

// ErrorResponse is the uniform JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError translates domain errors and store sentinels into HTTP
// responses. Messages for internal failures are not echoed to callers.
func WriteError(w http.ResponseWriter, err error) {
	status, code, message := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, string(dErrors.CodeNotFound), "resource not found"
	case errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, string(dErrors.CodeConflict), "resource version conflict"
	}

	code := dErrors.CodeOf(err)
	switch code {
	case dErrors.CodeInvalidInput, dErrors.CodeBadRequest:
		return http.StatusBadRequest, string(code), err.Error()
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized, string(code), "unauthorized"
	case dErrors.CodeForbidden, dErrors.CodeDecryptionDenied:
		return http.StatusForbidden, string(code), "forbidden"
	case dErrors.CodeNotFound:
		return http.StatusNotFound, string(code), err.Error()
	case dErrors.CodeConflict:
		return http.StatusConflict, string(code), err.Error()
	case dErrors.CodeInvalidTransition, dErrors.CodeGuardFailed:
		return http.StatusUnprocessableEntity, string(code), err.Error()
	case dErrors.CodeTimeout, dErrors.CodeConnectorTimeout:
		return http.StatusGatewayTimeout, string(code), "operation timed out"
	case dErrors.CodeConnectorRejected:
		return http.StatusBadGateway, string(code), err.Error()
	case dErrors.CodeAuditWriteFailed:
		// Fail closed: the mutation was rolled back.
		return http.StatusInternalServerError, string(code), "request could not be recorded"
	default:
		return http.StatusInternalServerError, string(dErrors.CodeInternal), "internal error"
	}
}
