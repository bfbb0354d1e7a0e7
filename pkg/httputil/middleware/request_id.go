package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/topicstore/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID assigns a request id, reusing one already in the context or a
// valid UUID sent in the X-Request-Id header, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if !ok || reqID == "" {
			if id, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
				reqID = id.String()
			} else {
				reqID = uuid.NewString()
			}
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
