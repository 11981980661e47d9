package models

import (
	"strings"
	"time"
)

// Platform identifies a messaging provider.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformWhatsApp, PlatformInstagram, PlatformFacebook}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a channel session
type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusError        SessionStatus = "error"
)

// Session is a tenant's single connection to one messaging platform.
type Session struct {
	Key              string        `json:"sessionKey"`
	TenantID         string        `json:"tenantId"`
	Platform         Platform      `json:"platform"`
	Status           SessionStatus `json:"status"`
	Credentials      string        `json:"-"`
	ExternalIdentity string        `json:"externalIdentity,omitempty"`
	QRCode           string        `json:"qrCode,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
	LastSeen         *time.Time    `json:"lastSeen,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SessionKey builds the composite key naming the session of tenantID on platform.
func SessionKey(tenantID string, platform Platform) string {
	return tenantID + ":" + string(platform)
}

// ParseSessionKey splits a key produced by SessionKey.
func ParseSessionKey(key string) (string, Platform, bool) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], Platform(key[idx+1:]), true
}

// Clone returns a deep copy safe to hand out of the registry.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastSeen != nil {
		t := *s.LastSeen
		c.LastSeen = &t
	}
	return &c
}
