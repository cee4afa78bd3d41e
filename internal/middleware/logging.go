package middleware

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type userSinkKey struct{}

// RequestLogger logs one line per request, escalating the level with the status code.
// The auth middleware runs deeper in the chain and reports the caller through a
// sink stored on the request context.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			var userID string
			ctx := context.WithValue(r.Context(), userSinkKey{}, &userID)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			event := log.Info()
			if status >= 400 {
				event = log.Warn()
			}
			if status >= 500 {
				event = log.Error()
			}

			event.
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("user_id", userID).
				Int("body_size", ww.BytesWritten()).
				Msg("request")
		})
	}
}

func reportUser(ctx context.Context, userID string) {
	if dst, ok := ctx.Value(userSinkKey{}).(*string); ok {
		*dst = userID
	}
}
