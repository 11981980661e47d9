package constants

// MimeTypes maps file extensions to their corresponding MIME types
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",

	// Video formats
	".mp4": "video/mp4",
	".mov": "video/quicktime",
	".3gp": "video/3gpp",

	// Document formats
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",

	// Audio formats
	".ogg": "audio/ogg",
	".mp3": "audio/mpeg",
	".aac": "audio/aac",
	".m4a": "audio/mp4",
	".amr": "audio/amr",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// MimeTypeToExtension maps MIME types to their primary file extensions
var MimeTypeToExtension = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",

	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/3gpp":      ".3gp",

	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"text/plain": ".txt",

	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/aac":  ".aac",
	"audio/mp4":  ".m4a",
	"audio/amr":  ".amr",
}
