// Package validation checks caller-supplied identifiers and payloads before
// they reach the engine.
package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"chatengine/internal/constants"
	"chatengine/internal/errors"
	"chatengine/internal/models"
)

// ValidateTenantID accepts letters, digits, underscores and dashes.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "tenant id cannot be empty")
	}
	if len(tenantID) > constants.MaxTenantIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("tenant id too long (max %d characters)", constants.MaxTenantIDLength))
	}
	for _, char := range tenantID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' {
			return errors.New(errors.ErrCodeInvalidInput,
				"tenant id must contain only letters, numbers, underscores, and dashes")
		}
	}
	return nil
}

// ValidatePlatform rejects platforms the engine has no adapter contract for.
func ValidatePlatform(platform string) error {
	if !models.Platform(platform).Valid() {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("unsupported platform: %q", platform))
	}
	return nil
}

// ValidatePhoneNumber validates phone number format and length
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return errors.New(errors.ErrCodeInvalidInput, "phone number cannot be empty")
	}

	cleaned := strings.TrimPrefix(phone, "+")
	cleaned = strings.TrimSuffix(cleaned, "@c.us")
	cleaned = strings.TrimSuffix(cleaned, "@s.whatsapp.net")

	if len(cleaned) < constants.MinPhoneNumberLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("phone number must be at least %d digits", constants.MinPhoneNumberLength))
	}
	if len(cleaned) > 20 {
		return errors.New(errors.ErrCodeInvalidInput, "phone number too long (max 20 digits)")
	}
	for _, char := range cleaned {
		if !unicode.IsDigit(char) {
			return errors.New(errors.ErrCodeInvalidInput, "phone number must contain only digits")
		}
	}
	return nil
}

// ValidateRecipient checks a send target. WhatsApp recipients must be phone
// numbers or chat ids; Meta recipients are opaque page-scoped ids.
func ValidateRecipient(platform models.Platform, to string) error {
	if to == "" {
		return errors.New(errors.ErrCodeInvalidInput, "recipient cannot be empty")
	}
	if len(to) > constants.MaxRecipientLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("recipient too long (max %d characters)", constants.MaxRecipientLength))
	}
	if platform == models.PlatformWhatsApp {
		if strings.HasSuffix(to, "@g.us") {
			return nil
		}
		return ValidatePhoneNumber(to)
	}
	for _, char := range to {
		if unicode.IsSpace(char) || unicode.IsControl(char) {
			return errors.New(errors.ErrCodeInvalidInput, "recipient contains invalid characters")
		}
	}
	return nil
}

// ValidatePayload checks an outbound message body.
func ValidatePayload(p models.Payload) error {
	if !p.Type.Valid() {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("unsupported message type: %q", p.Type))
	}
	if p.Type == models.MessageTypeText {
		if strings.TrimSpace(p.Text) == "" {
			return errors.New(errors.ErrCodeInvalidInput, "text message cannot be empty")
		}
		if len(p.Text) > constants.MaxTextLength {
			return errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("text too long (max %d characters)", constants.MaxTextLength))
		}
		return nil
	}

	if p.MediaURL == "" {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s message requires a media url", p.Type))
	}
	u, err := url.Parse(p.MediaURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New(errors.ErrCodeInvalidInput, "media url must be an absolute http(s) url")
	}
	if len(p.Caption) > constants.MaxTextLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("caption too long (max %d characters)", constants.MaxTextLength))
	}
	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}
	if len(messageID) > constants.MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}
	for _, char := range messageID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "message ID contains invalid characters")
		}
	}
	return nil
}

// ValidateMediaSize validates media file size against per-type limits in MB.
func ValidateMediaSize(sizeBytes int64, mediaType string, limits map[string]int) error {
	if sizeBytes < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "media size cannot be negative")
	}
	if sizeBytes == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "media file is empty")
	}

	maxSizeMB, exists := limits[mediaType]
	if !exists {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("unsupported media type: %s", mediaType))
	}
	if sizeBytes > int64(maxSizeMB)*constants.BytesPerMegabyte {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("media file too large: %d bytes (max %d MB)", sizeBytes, maxSizeMB))
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}
	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}
	return nil
}

// ValidateTimeout validates timeout values in seconds.
func ValidateTimeout(timeoutSec int, fieldName string) error {
	return ValidateNumericRange(timeoutSec, fieldName, 1, 3600)
}
