package privacy

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMaskPhoneNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"+", "+"},
		{"+1234", "+****"},
		{"+1234567890", "+******7890"},
		{"1234567890", "******7890"},
		{"123", "***"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskPhoneNumber(tt.in))
		})
	}
}

func TestMaskRecipient(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"chat jid", "15551234567@c.us", "*******4567@c.us"},
		{"group jid", "120363021234@g.us", "********1234@g.us"},
		{"short local part", "12@c.us", "**@c.us"},
		{"e164", "+15551234567", "+*******4567"},
		{"graph psid", "6543210987654321", "************4321"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskRecipient(tt.in))
		})
	}
}

func TestMaskSessionKey(t *testing.T) {
	assert.Equal(t, "a***:whatsapp", MaskSessionKey("acme:whatsapp"))
	assert.Equal(t, "*:instagram", MaskSessionKey("x:instagram"))
	assert.Equal(t, "**key", MaskSessionKey("nokey"))
}

func TestMaskExternalID(t *testing.T) {
	assert.Equal(t, "****", MaskExternalID("abcd"))
	assert.Equal(t, "****ABCDEFGH", MaskExternalID("wamiABCDEFGH"))
}

func TestMaskCredentials(t *testing.T) {
	assert.Nil(t, MaskCredentials(nil))
	got := MaskCredentials(map[string]string{"access_token": "EAAB", "page_id": ""})
	assert.Equal(t, map[string]string{"access_token": maskedValue, "page_id": ""}, got)
}

func TestMaskFields(t *testing.T) {
	assert.Nil(t, MaskFields(nil))

	in := logrus.Fields{
		"recipient":    "15551234567@c.us",
		"phone":        "+15551234567",
		"external_id":  "wamid.ABCDEFGH12",
		"access_token": "EAAB123",
		"status_code":  200,
		"tenant_id":    "acme",
	}
	out := MaskFields(in)

	assert.Equal(t, "*******4567@c.us", out["recipient"])
	assert.Equal(t, "+*******4567", out["phone"])
	assert.Equal(t, "********CDEFGH12", out["external_id"])
	assert.Equal(t, maskedValue, out["access_token"])
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, "acme", out["tenant_id"])
	assert.Equal(t, "15551234567@c.us", in["recipient"], "input must not be modified")
}
