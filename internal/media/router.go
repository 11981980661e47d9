// Package media maps attachments onto canonical message types and enforces
// per-type size limits.
package media

import (
	"mime"
	"path/filepath"
	"strings"

	"chatengine/internal/constants"
	"chatengine/internal/models"
)

// Router classifies attachments and reports the size limit for each class.
type Router interface {
	// MessageType picks the canonical type from a MIME type, falling back to
	// the file extension when the MIME type is empty or generic.
	MessageType(mimeType, fileName string) models.MessageType
	// MimeType resolves the MIME type for a file name.
	MimeType(fileName string) string
	// MaxSize is the byte limit for t. Text has no attachment and returns 0.
	MaxSize(t models.MessageType) int64
	// Extension returns a file extension for a MIME type, used when naming
	// stored objects.
	Extension(mimeType string) string
}

type router struct {
	limits models.MediaSizeLimits
}

// NewRouter fills unset limits with the defaults.
func NewRouter(config models.MediaConfig) Router {
	limits := config.MaxSizeMB
	if limits.Image <= 0 {
		limits.Image = constants.DefaultMaxImageSizeMB
	}
	if limits.Video <= 0 {
		limits.Video = constants.DefaultMaxVideoSizeMB
	}
	if limits.Audio <= 0 {
		limits.Audio = constants.DefaultMaxAudioSizeMB
	}
	if limits.File <= 0 {
		limits.File = constants.DefaultMaxFileSizeMB
	}
	return &router{limits: limits}
}

func (r *router) MessageType(mimeType, fileName string) models.MessageType {
	mt := normalizeMime(mimeType)
	if mt == "" || mt == constants.DefaultMimeType {
		mt = r.MimeType(fileName)
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(mt, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(mt, "audio/"):
		return models.MessageTypeAudio
	default:
		return models.MessageTypeFile
	}
}

func (r *router) MimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if mt, ok := constants.MimeTypes[ext]; ok {
		return mt
	}
	return constants.DefaultMimeType
}

func (r *router) MaxSize(t models.MessageType) int64 {
	var mb int
	switch t {
	case models.MessageTypeText:
		return 0
	case models.MessageTypeImage:
		mb = r.limits.Image
	case models.MessageTypeVideo:
		mb = r.limits.Video
	case models.MessageTypeAudio:
		mb = r.limits.Audio
	default:
		mb = r.limits.File
	}
	return int64(mb) * constants.BytesPerMegabyte
}

func (r *router) Extension(mimeType string) string {
	if ext, ok := constants.MimeTypeToExtension[normalizeMime(mimeType)]; ok {
		return ext
	}
	return ".bin"
}

// normalizeMime drops parameters such as "; codecs=opus".
func normalizeMime(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mt
}
