package whatsapp

import (
	"encoding/json"
	"time"

	apperrors "chatengine/internal/errors"
	"chatengine/internal/models"
	"chatengine/pkg/provider"
)

// ParseWebhook normalizes one gateway webhook delivery. Each delivery carries
// a single event.
func (c *Client) ParseWebhook(body []byte) ([]provider.Event, error) {
	var payload models.WhatsAppWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed gateway webhook")
	}
	if payload.Event == "" {
		return nil, apperrors.NewValidationError("event", "", "webhook event type is required")
	}

	switch payload.Event {
	case models.EventMessage, models.EventMessageAny:
		return []provider.Event{c.messageEvent(&payload)}, nil
	case models.EventMessageACK:
		return []provider.Event{ackEvent(&payload)}, nil
	case models.EventSessionStatus:
		return []provider.Event{connectionEvent(&payload)}, nil
	}
	return []provider.Event{{Kind: provider.EventKindUnknown, Name: payload.Event}}, nil
}

func (c *Client) messageEvent(p *models.WhatsAppWebhookPayload) provider.Event {
	msg := p.Payload
	ev := provider.Event{
		Kind:      provider.EventKindMessage,
		Name:      p.Event,
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		FromMe:    msg.FromMe,
		Type:      models.MessageTypeText,
		Text:      msg.Body,
	}
	if ts := msg.Timestamp; ts > 0 {
		ev.Timestamp = time.Unix(ts, 0).UTC()
	} else if p.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(p.Timestamp).UTC()
	}

	if msg.HasMedia {
		ref := &provider.MediaRef{MessageID: msg.ID}
		if msg.Media != nil {
			ref.URL = msg.Media.URL
			ref.MimeType = msg.Media.MimeType
			ref.FileName = msg.Media.Filename
		}
		ev.Media = ref
		ev.Type = c.router.MessageType(ref.MimeType, ref.FileName)
	}
	return ev
}

func ackEvent(p *models.WhatsAppWebhookPayload) provider.Event {
	ev := provider.Event{Kind: provider.EventKindAck, Name: p.Event}
	if p.Payload.ID == "" || p.Payload.ACK == nil {
		return ev
	}
	ev.AckMessageIDs = []string{p.Payload.ID}

	switch *p.Payload.ACK {
	case models.ACKError:
		ev.AckStatus = models.MessageStatusFailed
	case models.ACKServer:
		ev.AckStatus = models.MessageStatusSent
	case models.ACKDevice, models.ACKRead, models.ACKPlayed:
		ev.AckStatus = models.MessageStatusDelivered
	}
	// ACKPending leaves AckStatus empty; nothing changes.
	return ev
}

func connectionEvent(p *models.WhatsAppWebhookPayload) provider.Event {
	update := &provider.ConnectionUpdate{Reason: p.Payload.Status}
	switch p.Payload.Status {
	case models.GatewayStatusWorking:
		update.State = provider.ConnectionOpen
		if p.Me != nil {
			update.Identity = p.Me.ID
		}
	case models.GatewayStatusScanQR:
		update.State = provider.ConnectionQR
	case models.GatewayStatusFailed:
		update.State = provider.ConnectionFailed
	case models.GatewayStatusStopped:
		update.State = provider.ConnectionClose
	case models.GatewayStatusLoggedOut:
		update.State = provider.ConnectionLoggedOut
	default:
		// STARTING carries no state change.
		return provider.Event{Kind: provider.EventKindUnknown, Name: p.Event}
	}
	return provider.Event{Kind: provider.EventKindConnection, Name: p.Event, Connection: update}
}
