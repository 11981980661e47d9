package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatengine/internal/constants"
	"chatengine/internal/security"
)

// LocalStore writes attachments below a directory that the HTTP server
// exposes under /media/.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media directory: %w", err)
	}
	return &LocalStore{dir: abs, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(key)
	if err := security.ValidateFilePathWithBase(rel, s.dir); err != nil {
		return "", fmt.Errorf("invalid media key: %w", err)
	}
	path := filepath.Join(s.dir, rel)

	// Content-addressed: an existing object already holds these bytes.
	if _, err := os.Stat(path); err == nil {
		return s.url(key), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DefaultDirectoryPermissions); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload_*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store media: %w", err)
	}
	return s.url(key), nil
}

func (s *LocalStore) url(key string) string {
	return s.baseURL + "/media/" + key
}

// CleanupOlderThan removes stored files whose modification time is older
// than maxAge and returns how many were removed.
func (s *LocalStore) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove old file: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}
