package server

import (
	"log/slog"
	"net/http"
	"time"
)

// responseMeter captures what the handler wrote so the access log can report
// status and payload size.
type responseMeter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *responseMeter) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseMeter) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseMeter) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Load balancer probes would drown out real traffic.
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		meter := &responseMeter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(meter, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", meter.statusCode,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
