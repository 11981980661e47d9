package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedLogger(level logrus.Level) (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger, &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestObservability(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		requestID string
		wantLevel string
	}{
		{"ok generates request id", http.StatusOK, "", "info"},
		{"client error keeps caller id", http.StatusConflict, "req_caller", "warning"},
		{"server error", http.StatusInternalServerError, "", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.GetRegistry().Reset()
			logger, buf := bufferedLogger(logrus.InfoLevel)

			var seenID string
			router := mux.NewRouter()
			router.Use(Observability(logger))
			router.HandleFunc("/api/tenants/{tenant}/sessions", func(w http.ResponseWriter, r *http.Request) {
				seenID = tracing.GetRequestID(r.Context())
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})

			req := httptest.NewRequest(http.MethodGet, "/api/tenants/acme/sessions", nil)
			if tt.requestID != "" {
				req.Header.Set(RequestIDHeader, tt.requestID)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			require.NotEmpty(t, seenID)
			if tt.requestID != "" {
				assert.Equal(t, tt.requestID, seenID)
			}
			assert.Equal(t, seenID, rec.Header().Get(RequestIDHeader))

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, seenID, entry[logging.LogFieldRequestID])
			assert.EqualValues(t, tt.status, entry[logging.LogFieldStatusCode])
			assert.EqualValues(t, 4, entry[logging.LogFieldSize])

			snap := metrics.GetAllMetrics()
			found := false
			for _, c := range snap.Counters {
				if c.Name == "http_requests_total" && c.Labels["endpoint"] == "/api/tenants/{tenant}/sessions" {
					found = true
				}
			}
			assert.True(t, found, "route template should label the counter")
		})
	}
}

func TestObservability_CallerTraceID(t *testing.T) {
	logger, buf := bufferedLogger(logrus.InfoLevel)

	var seen string
	handler := Observability(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tracing.GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceIDHeader, "trace-from-caller")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "trace-from-caller", seen)
	assert.Equal(t, "trace-from-caller", lastEntry(t, buf)[logging.LogFieldTraceID])
}

func TestWebhook(t *testing.T) {
	logger, buf := bufferedLogger(logrus.DebugLevel)

	router := mux.NewRouter()
	router.Handle("/webhooks/{tenant}/{platform}", Webhook(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme/whatsapp", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	entry := lastEntry(t, buf)
	assert.Equal(t, "acme", entry[logging.LogFieldTenant])
	assert.Equal(t, "whatsapp", entry[logging.LogFieldPlatform])
	assert.Equal(t, "webhook", entry[logging.LogFieldService])
}

func TestDetailedLogging(t *testing.T) {
	cfg := DefaultDetailedLoggingConfig()
	cfg.LogBody = true

	t.Run("masks sensitive headers", func(t *testing.T) {
		logger, buf := bufferedLogger(logrus.DebugLevel)
		h := DetailedLogging(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodPost, "/api/tenants/acme/sessions/whatsapp", nil)
		req.Header.Set("Authorization", "Bearer secret")
		req.Header.Set("X-Custom", "visible")
		h.ServeHTTP(httptest.NewRecorder(), req)

		entry := lastEntry(t, buf)
		headers := entry["request_headers"].(map[string]interface{})
		assert.Equal(t, "***MASKED***", headers["Authorization"])
		assert.Equal(t, "visible", headers["X-Custom"])
		assert.NotContains(t, entry, "request_body")
	})

	t.Run("body only when verbose and restored for handler", func(t *testing.T) {
		logger, buf := bufferedLogger(logrus.DebugLevel)
		var handlerBody string
		h := DetailedLogging(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			handlerBody = string(b)
		}))

		req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader(`{"to":"1"}`))
		req.Header.Set("Content-Type", "application/json")
		req = req.WithContext(logging.WithVerbose(req.Context(), true))
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, `{"to":"1"}`, handlerBody)
		assert.Equal(t, `{"to":"1"}`, lastEntry(t, buf)["request_body"])
	})

	t.Run("skipped paths and non-debug loggers log nothing", func(t *testing.T) {
		logger, buf := bufferedLogger(logrus.DebugLevel)
		h := DetailedLogging(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Empty(t, buf.String())

		infoLogger, infoBuf := bufferedLogger(logrus.InfoLevel)
		h = DetailedLogging(infoLogger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))
		assert.Empty(t, infoBuf.String())
	})
}
