package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/trade-executor/internal/errors"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the categorized error of the failed request or the halted loop
type ErrorBody struct {
	Category string `json:"category,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// respondAppError sends a categorized error
func respondAppError(w http.ResponseWriter, statusCode int, err error) {
	catErr := apperrors.Categorize(err)
	respondJSON(w, statusCode, ErrorResponse{Error: ErrorBody{
		Category: string(catErr.Category),
		Code:     catErr.Code,
		Message:  err.Error(),
	}})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)
