// Package privacy masks personal identifiers before they reach logs.
package privacy

import (
	"strings"

	"chatengine/internal/constants"
	"chatengine/internal/logging"

	"github.com/sirupsen/logrus"
)

const maskedValue = "***MASKED***"

// MaskPhoneNumber keeps the last four digits. "+1234567890" becomes "+******7890".
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") {
		return "+" + maskTail(phone[1:], constants.DefaultPhoneMaskLength)
	}
	return maskTail(phone, constants.DefaultPhoneMaskLength)
}

// MaskRecipient masks a platform recipient address. WhatsApp JIDs keep their
// server suffix so chats and groups stay distinguishable in logs; Graph API
// scoped ids keep the last four characters.
func MaskRecipient(recipient string) string {
	if recipient == "" {
		return ""
	}
	if local, server, ok := strings.Cut(recipient, "@"); ok {
		return maskTail(local, constants.DefaultPhoneMaskLength) + "@" + server
	}
	if strings.HasPrefix(recipient, "+") {
		return MaskPhoneNumber(recipient)
	}
	return maskTail(recipient, constants.DefaultPhoneMaskLength)
}

// MaskExternalID keeps the last eight characters of a provider message id.
func MaskExternalID(id string) string {
	return maskTail(id, constants.DefaultMessageIDLength)
}

// MaskSessionKey hides the tenant but keeps the platform: "acme:whatsapp"
// becomes "a***:whatsapp".
func MaskSessionKey(key string) string {
	tenant, platform, ok := strings.Cut(key, ":")
	if !ok {
		return maskTail(key, 3)
	}
	if len(tenant) <= 1 {
		return strings.Repeat("*", len(tenant)) + ":" + platform
	}
	return tenant[:1] + strings.Repeat("*", len(tenant)-1) + ":" + platform
}

// MaskCredentials returns a copy with every value replaced. Keys survive so
// operators can see which settings were supplied.
func MaskCredentials(creds map[string]string) map[string]string {
	if creds == nil {
		return nil
	}
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		if v == "" {
			out[k] = ""
			continue
		}
		out[k] = maskedValue
	}
	return out
}

func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

// MaskFields applies field-aware masking to a set of log fields.
func MaskFields(fields logrus.Fields) logrus.Fields {
	if fields == nil {
		return nil
	}
	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number":
			masked[k] = MaskPhoneNumber(s)
		case logging.LogFieldRecipient, "from", "to", "chat_id":
			masked[k] = MaskRecipient(s)
		case "external_id", "provider_message_id":
			masked[k] = MaskExternalID(s)
		case "token", "access_token", "api_key", "secret", "password":
			masked[k] = maskedValue
		default:
			masked[k] = v
		}
	}
	return masked
}
