package models

import "time"

// MaxRetries bounds how many times an outbound message is re-attempted.
const MaxRetries = 3

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusSending QueueStatus = "sending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// Payload is the content of an outbound message.
type Payload struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	MediaURL string      `json:"mediaUrl,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	FileName string      `json:"fileName,omitempty"`
}

// Summary is the text stored as a conversation's last message.
func (p Payload) Summary() string {
	if p.Type == MessageTypeText || p.Type == "" {
		return p.Text
	}
	if p.Caption != "" {
		return p.Caption
	}
	return "[" + string(p.Type) + "]"
}

// QueuedMessage is a unit of outbound work owned by its session's queue.
type QueuedMessage struct {
	ID            string      `json:"id"`
	SessionKey    string      `json:"sessionKey"`
	To            string      `json:"to"`
	Payload       Payload     `json:"payload"`
	Priority      Priority    `json:"priority"`
	Retries       int         `json:"retries"`
	Status        QueueStatus `json:"status"`
	LastError     string      `json:"lastError,omitempty"`
	QueuedAt      time.Time   `json:"queuedAt"`
	NextAttemptAt time.Time   `json:"nextAttemptAt,omitempty"`
}

// Clone returns a copy of q.
func (q *QueuedMessage) Clone() *QueuedMessage {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}
