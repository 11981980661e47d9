package main

import (
	"encoding/json"
	"net/http"

	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics serves the in-memory registry as JSON.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestInfo := tracing.GetRequestInfo(r.Context())

		allMetrics := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(allMetrics); err != nil {
			s.logger.WithFields(logrus.Fields{
				logging.LogFieldRequestID: requestInfo.RequestID,
				logging.LogFieldTraceID:   requestInfo.TraceID,
				logrus.ErrorKey:           err,
			}).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
