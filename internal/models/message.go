package models

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// IsMedia reports whether the message carries an attachment.
func (t MessageType) IsMedia() bool {
	return t.Valid() && t != MessageTypeText
}

type MessageStatus string

const (
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is the immutable record of a single exchanged message. ID is the
// provider message id when one is known; it is unique per tenant and platform.
type Message struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	Platform       Platform      `json:"platform"`
	ConversationID string        `json:"conversationId"`
	Direction      Direction     `json:"direction"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	MediaURL       *string       `json:"mediaUrl"`
	ThumbnailURL   *string       `json:"thumbnailUrl"`
	Status         MessageStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	CreatedAt      time.Time     `json:"createdAt"`
}
