package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/panelauth/internal/csrf"
	"github.com/example/panelauth/internal/metrics"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeUnauthorized       = "UNAUTHORIZED"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeForbidden          = "FORBIDDEN"
	codeCSRFFailed         = "CSRF_FAILED"
	codeIdentityExists     = "IDENTITY_EXISTS"
	codeNotFound           = "NOT_FOUND"
	codeRateLimited        = "RATE_LIMIT_EXCEEDED"
	codeInternal           = "INTERNAL_ERROR"
	codeUnavailable        = "SERVICE_UNAVAILABLE"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "error", err)
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

// writeUnauthorized is the single response for every authentication failure.
func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, codeUnauthorized, "Authentication required")
}

// writeInternal logs err and writes an opaque 500.
func (a *App) writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(msg, "error", err, "method", r.Method, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
}

// rejectCSRF is the csrf.Config.OnReject hook.
func rejectCSRF(w http.ResponseWriter, _ *http.Request, err error) {
	metrics.RecordCSRFRejection(csrfReason(err))
	writeError(w, http.StatusForbidden, codeCSRFFailed, "CSRF validation failed")
}

func csrfReason(err error) string {
	switch {
	case errors.Is(err, csrf.ErrTokenMissing):
		return "missing"
	case errors.Is(err, csrf.ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, csrf.ErrMismatch):
		return "mismatch"
	default:
		return "error"
	}
}
