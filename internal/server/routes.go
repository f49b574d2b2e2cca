package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

type RequestRecorder interface {
	RecordRequest(route string, code int)
}

func SetupRoutes(service *PostalCodeService, metrics http.Handler, recorder RequestRecorder, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /postal-codes/{code}", service.GetPostalCode)
	mux.HandleFunc("GET /runs", service.GetRuns)
	mux.HandleFunc("GET /health", service.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return withRequestLogging(mux, recorder, logger.Named("http"))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withRequestLogging tags every request with an id, logs it and counts it by route pattern.
func withRequestLogging(next *http.ServeMux, recorder RequestRecorder, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		next.ServeHTTP(sw, r)

		if recorder != nil {
			recorder.RecordRequest(route, sw.status)
		}
		logger.Info("Handled request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}
