// Package middleware wraps HTTP handlers with request ids, spans, metrics and
// structured request logs.
package middleware

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatengine/internal/httputil"
	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/privacy"
	"chatengine/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestIDHeader echoes the request id back to callers.
const RequestIDHeader = "X-Request-ID"

// TraceIDHeader lets callers without W3C propagation correlate logs.
const TraceIDHeader = "X-Trace-ID"

// Observability starts a span, assigns a request id and records request
// counters and timers. Routes are labelled by their mux template so path
// parameters do not explode label cardinality.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.StartSpan(r.Context(), "http.request")
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			if traceID := r.Header.Get(TraceIDHeader); traceID != "" {
				ctx = tracing.WithTraceID(ctx, traceID)
			}
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			route := routeTemplate(r)
			clientIP := httputil.GetClientIP(r)
			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", clientIP),
				attribute.String("user_agent.original", r.UserAgent()),
			)

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": route,
			}, "Total HTTP requests")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			}

			status := strconv.Itoa(wrapper.statusCode)
			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP request duration")
			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP responses by status code")

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}
			logger.WithFields(logrus.Fields{
				logging.LogFieldRequestID:  requestID,
				logging.LogFieldTraceID:    tracing.GetTraceID(ctx),
				logging.LogFieldMethod:     r.Method,
				logging.LogFieldURL:        r.URL.Path,
				logging.LogFieldStatusCode: wrapper.statusCode,
				logging.LogFieldDuration:   duration.Milliseconds(),
				logging.LogFieldRemoteIP:   clientIP,
				logging.LogFieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// Webhook records per-platform webhook counters. Webhook handlers always
// answer 200, so failures are counted from the handler's own metrics rather
// than the status code; this layer only measures receipt and latency.
func Webhook(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			vars := mux.Vars(r)
			platform := vars["platform"]

			ctx, span := tracing.StartSpan(r.Context(), "webhook.receive",
				attribute.String("webhook.platform", platform),
				attribute.Int64("http.request.content_length", r.ContentLength),
			)
			defer span.End()
			r = r.WithContext(ctx)

			metrics.IncrementCounter("webhook_requests_total", map[string]string{
				"platform": platform,
			}, "Webhook requests by platform")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			elapsed := time.Since(start)
			metrics.RecordTimer("webhook_processing_duration", elapsed, map[string]string{
				"platform": platform,
			}, "Webhook processing duration")

			logger.WithFields(privacy.MaskFields(logrus.Fields{
				logging.LogFieldRequestID:  tracing.GetRequestID(ctx),
				logging.LogFieldService:    "webhook",
				logging.LogFieldTenant:     vars["tenant"],
				logging.LogFieldPlatform:   platform,
				logging.LogFieldStatusCode: wrapper.statusCode,
				logging.LogFieldDuration:   elapsed.Milliseconds(),
			})).Debug("Webhook request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required by the WebSocket upgrade.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
