package middleware

import (
	"net/http"
	"time"

	pkglog "RelayCore/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLog tags every request with a request ID, exposes it to the handler
// context and the client, and writes one access log line per request.
func RequestLog(logger log.Logger) func(http.Handler) http.Handler {
	helper := pkglog.NewLogHelper(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = pkglog.GenerateRequestID()
			}
			start := time.Now()
			ctx := pkglog.WithRequestContext(r.Context(), &pkglog.RequestContext{
				RequestID: requestID,
				StartTime: start,
			})
			w.Header().Set("X-Request-Id", requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			helper.Request(r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds(),
				"request_id", requestID)
		})
	}
}
