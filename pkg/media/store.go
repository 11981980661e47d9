// Package media stores inbound attachments and guards the URLs they are
// downloaded from.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Store persists an attachment and returns the URL clients should load it
// from.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

// ObjectKey names an attachment by content hash under its tenant and platform,
// so a redelivered webhook maps to the same object.
//
//	<tenant>/<platform>/<yyyy>/<mm>/<sha256><ext>
func ObjectKey(tenantID, platform string, data []byte, ext string, at time.Time) string {
	sum := sha256.Sum256(data)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%s/%s/%s%s",
		sanitizeSegment(tenantID),
		sanitizeSegment(platform),
		at.UTC().Format("2006/01"),
		hex.EncodeToString(sum[:]),
		ext,
	)
}

func sanitizeSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", "@", "_", ":", "_")
	if s = r.Replace(s); s == "" {
		return "_"
	}
	return s
}
