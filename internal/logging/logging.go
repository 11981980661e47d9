package logging

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey marks a request context as verbose
const VerboseContextKey ContextKey = "verbose"

// New builds the process logger. JSON output goes to stdout; an unknown
// level falls back to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil || level == "" {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// WithVerbose returns a context flagged for verbose logging
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerbose checks if verbose logging is enabled from context
func IsVerbose(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// Component returns an entry tagged with the owning component.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField(LogFieldComponent, name)
}

// Session returns an entry carrying the tenant, platform and session key.
func Session(logger *logrus.Logger, tenantID, platform string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		LogFieldTenant:     tenantID,
		LogFieldPlatform:   platform,
		LogFieldSessionKey: tenantID + ":" + platform,
	})
}

// SanitizeContent hides message content unless the context is verbose.
func SanitizeContent(ctx context.Context, content string) string {
	if content == "" {
		return ""
	}
	if IsVerbose(ctx) {
		return content
	}
	return "[hidden]"
}
