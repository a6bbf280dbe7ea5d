package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger writes one structured line per request. Server errors log at error
// level; health and metrics scrapes at debug.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				level := zerolog.InfoLevel
				switch {
				case status >= http.StatusInternalServerError:
					level = zerolog.ErrorLevel
				case r.URL.Path == "/health" || r.URL.Path == "/metrics":
					level = zerolog.DebugLevel
				}

				logger.WithLevel(level).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("ip", RealIP(r)).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Msg("http request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
