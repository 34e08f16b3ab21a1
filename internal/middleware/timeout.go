package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"memvault-backend/pkg/api"
)

// Timeout bounds each request with a deadline. The handler keeps running in
// its goroutine until it observes the cancelled context; the client gets a
// 408 as soon as the deadline passes.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			r = r.WithContext(ctx)

			done := make(chan struct{})
			go func() {
				defer func() {
					if err := recover(); err != nil {
						logger.Error("panic in timed handler",
							zap.String("request_id", GetRequestIDFromRequest(r)),
							zap.Any("panic", err),
							zap.ByteString("stack", debug.Stack()))
					}
					close(done)
				}()
				next.ServeHTTP(w, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("request timed out",
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", timeout))
				if w.Header().Get("Content-Type") == "" {
					api.Error(w, http.StatusRequestTimeout, "request timeout")
				}
			}
		})
	}
}
