// Package provider defines the contract every messaging platform adapter
// implements. The engine only talks to platforms through these interfaces.
package provider

import (
	"context"
	"time"

	"chatengine/internal/models"
)

// ConnectResult is what a platform reports after a connect attempt. Either
// QRCode is set (the user must scan it) or Connected is true.
type ConnectResult struct {
	QRCode    string
	Connected bool
	Identity  string
	// Credentials replaces the stored credentials when non-empty.
	Credentials string
}

// SendResult carries the provider-assigned id of a sent message.
type SendResult struct {
	MessageID string
}

// MediaRef locates an inbound attachment.
type MediaRef struct {
	MessageID string
	URL       string
	MimeType  string
	FileName  string
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Adapter performs the wire calls for one platform.
type Adapter interface {
	Platform() models.Platform
	Connect(ctx context.Context, session *models.Session) (*ConnectResult, error)
	Disconnect(ctx context.Context, session *models.Session) error
	// SendMessage must classify failures: permanent rejections are returned as
	// errors.ErrCodeSendRejected or a non-retryable ErrCodeProviderAPI.
	SendMessage(ctx context.Context, session *models.Session, to string, payload models.Payload) (*SendResult, error)
	// DownloadMedia returns nil, nil when the provider has no media for ref.
	DownloadMedia(ctx context.Context, session *models.Session, ref MediaRef) (*Media, error)
	FetchConnectionState(ctx context.Context, session *models.Session) (models.SessionStatus, error)
}

// WebhookParser turns a raw provider webhook body into normalized events.
type WebhookParser interface {
	ParseWebhook(body []byte) ([]Event, error)
}

type EventKind string

const (
	EventKindMessage    EventKind = "message"
	EventKindConnection EventKind = "connection"
	EventKindAck        EventKind = "ack"
	EventKindUnknown    EventKind = "unknown"
)

type ConnectionState string

const (
	ConnectionOpen      ConnectionState = "open"
	ConnectionClose     ConnectionState = "close"
	ConnectionQR        ConnectionState = "qr"
	ConnectionLoggedOut ConnectionState = "logged_out"
	ConnectionFailed    ConnectionState = "failed"
)

// ConnectionUpdate is a provider-reported change in connection state.
type ConnectionUpdate struct {
	State    ConnectionState
	Identity string
	QRCode   string
	Reason   string
}

// Event is one normalized webhook event. Fields are populated by Kind.
type Event struct {
	Kind EventKind
	// Name is the provider's own event name, kept for logging.
	Name string

	// message
	MessageID string
	From      string
	To        string
	FromMe    bool
	Timestamp time.Time
	Type      models.MessageType
	Text      string
	Media     *MediaRef

	// connection
	Connection *ConnectionUpdate

	// ack
	AckMessageIDs []string
	AckStatus     models.MessageStatus
}

// CustomerIdentity is the remote party of a message event.
func (e Event) CustomerIdentity() string {
	if e.FromMe {
		return e.To
	}
	return e.From
}

// Direction reports whether the event is an inbound or an echoed outbound message.
func (e Event) Direction() models.Direction {
	if e.FromMe {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}
