package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"memvault-backend/pkg/api"
)

// Recovery converts panics into 500 responses instead of dropped
// connections.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.String("request_id", GetRequestIDFromRequest(r)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("panic", err),
						zap.ByteString("stack", debug.Stack()))

					// If the handler already wrote a body there is nothing
					// left to salvage; the server closes the connection.
					if w.Header().Get("Content-Type") == "" {
						api.Error(w, http.StatusInternalServerError, "internal server error")
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
