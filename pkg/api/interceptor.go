package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/nodemanager/pkg/metrics"
)

// statusRecorder captures the reply code for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// route wraps a handler so it answers only method, and records every request
// under the route label.
func (s *Server) route(path, method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if r.Method != method {
			rec.Header().Set("Allow", method)
			http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
		} else {
			next(rec, r)
		}

		timer.ObserveDurationVec(metrics.APIRequestDuration, path)
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()

		ev := s.logger.Debug()
		if rec.status >= http.StatusBadRequest {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.status).
			Dur("took", timer.Duration()).
			Msg("Request served")
	})
}
