package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"recsys-proxy-cache/pkg/logging/logging"
)

// LoggingContext attaches a request-scoped logger carrying the request id,
// caller address and client tag to the request context.
func LoggingContext(baseLogger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			fields := make([]zap.Field, 0, 6)
			fields = append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			if reqID := chimw.GetReqID(ctx); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
			// rewritten by chi's RealIP when that runs first
			if r.RemoteAddr != "" {
				fields = append(fields, zap.String("remote_ip", r.RemoteAddr))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			if client := r.Header.Get(ClientIDHeader); client != "" {
				fields = append(fields, zap.String("client_id", client))
			}

			ctx = logging.WithLogger(ctx, baseLogger.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDHeader lets callers sharing one proxy tag their requests.
const ClientIDHeader = "X-Client-ID"
