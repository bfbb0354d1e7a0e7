package httputil

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
	BasicAuthCtxKey ContextKey = "BasicAuth"
)

// RequestID returns the id assigned to the request by the request id
// middleware.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(RequestIDCtxKey).(string)
	return id
}

// Logger returns the request scoped logger or a no-op logger.
func Logger(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(LogEntryCtxKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// BasicAuthUser retrieves the authenticated username from the context.
func BasicAuthUser(r *http.Request) (string, bool) {
	user, ok := r.Context().Value(BasicAuthCtxKey).(string)
	return user, ok
}

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse is the body of an error response.
type ErrorResponse struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

// Error writes a JSON error body with the given status code.
func Error(w http.ResponseWriter, statusCode int, errorType, message string) {
	JSON(w, statusCode, ErrorResponse{ErrorType: errorType, Message: message})
}
