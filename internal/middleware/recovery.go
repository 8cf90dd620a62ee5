package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/pkg/logging/logging"
)

// Recoverer turns a panic into a 500. Cache consistency violations are logged
// with the offending key so they can be told apart from ordinary bugs.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger := logging.L(r.Context())
				if v, ok := rec.(*cache.ConsistencyViolation); ok {
					logger.Error("score cache consistency violation",
						zap.Stringer("key", v.Key),
						zap.String("reason", v.Reason),
						zap.ByteString("stack", debug.Stack()),
					)
				} else {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stack", debug.Stack()),
					)
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_server_error"}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
