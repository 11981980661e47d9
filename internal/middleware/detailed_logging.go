package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"chatengine/internal/httputil"
	"chatengine/internal/logging"
	"chatengine/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls debug-level request dumps.
type DetailedLoggingConfig struct {
	LogHeaders       bool
	LogBody          bool
	MaxBodySize      int
	SensitiveHeaders []string
	SkipPrefixes     []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogHeaders:  true,
		MaxBodySize: 1024,
		SensitiveHeaders: []string{
			"authorization", "x-api-key", "x-webhook-hmac",
			"x-hub-signature-256", "cookie",
		},
		SkipPrefixes: []string{"/metrics", "/health", "/ws"},
	}
}

// DetailedLogging dumps headers and, for text bodies, the body when the
// request context is verbose. Message bodies carry customer content, so the
// body dump is opt-in twice: by config and by verbosity.
func DetailedLogging(logger *logrus.Logger, cfg DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipPath(r.URL.Path, cfg.SkipPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			fields := logrus.Fields{
				logging.LogFieldRequestID: tracing.GetRequestID(r.Context()),
				logging.LogFieldMethod:    r.Method,
				logging.LogFieldURL:       r.URL.String(),
				logging.LogFieldRemoteIP:  httputil.GetClientIP(r),
				logging.LogFieldUserAgent: r.UserAgent(),
				"content_length":          r.ContentLength,
			}
			if cfg.LogHeaders {
				fields["request_headers"] = maskHeaders(r.Header, cfg.SensitiveHeaders)
			}
			if cfg.LogBody && logging.IsVerbose(r.Context()) && isTextBody(r) &&
				r.ContentLength > 0 && r.ContentLength <= int64(cfg.MaxBodySize) {
				if body, err := io.ReadAll(r.Body); err == nil {
					r.Body = io.NopCloser(bytes.NewReader(body))
					fields["request_body"] = string(body)
				}
			}

			logger.WithFields(fields).Debug("Request details")
			next.ServeHTTP(w, r)
		})
	}
}

func skipPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name, sensitive) {
			out[name] = "***MASKED***"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(name string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func isTextBody(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.HasPrefix(ct, "application/x-www-form-urlencoded")
}
