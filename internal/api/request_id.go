package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader is both the inbound override and the response echo.
const requestIDHeader = "x-request-id"

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestIDMiddleware tags every request with an id, honoring one the
// caller already assigned. The id rides the response header and the
// error body so a client log line can be matched to a server one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// GetRequestID returns the id assigned to this request, or "" when the
// middleware is not installed.
func GetRequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}
