package meta

import (
	"encoding/json"
	"time"

	apperrors "chatengine/internal/errors"
	"chatengine/internal/models"
	"chatengine/pkg/provider"
)

// webhookObject is the "object" value Graph sends for each platform.
func webhookObject(p models.Platform) string {
	if p == models.PlatformInstagram {
		return "instagram"
	}
	return "page"
}

// ParseWebhook normalizes a Graph webhook batch. One delivery may carry
// several entries, each with several messaging items.
func (c *Client) ParseWebhook(body []byte) ([]provider.Event, error) {
	var payload models.MetaWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed Graph webhook")
	}
	if payload.Object != webhookObject(c.platform) {
		return nil, apperrors.NewValidationError("object", payload.Object, "webhook object does not match platform")
	}

	var events []provider.Event
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			events = append(events, c.messagingEvent(item))
		}
	}
	return events, nil
}

func (c *Client) messagingEvent(item models.MetaMessaging) provider.Event {
	switch {
	case item.Message != nil:
		msg := item.Message
		ev := provider.Event{
			Kind:      provider.EventKindMessage,
			Name:      "message",
			MessageID: msg.Mid,
			From:      item.Sender.ID,
			To:        item.Recipient.ID,
			FromMe:    msg.IsEcho,
			Type:      models.MessageTypeText,
			Text:      msg.Text,
		}
		if item.Timestamp > 0 {
			ev.Timestamp = time.UnixMilli(item.Timestamp).UTC()
		}
		// Only the first attachment is kept; the message id is shared by all.
		for _, att := range msg.Attachments {
			msgType, ok := attachmentType(att.Type)
			if !ok || att.Payload.URL == "" {
				continue
			}
			ev.Type = msgType
			ev.Media = &provider.MediaRef{MessageID: msg.Mid, URL: att.Payload.URL}
			break
		}
		return ev

	case item.Delivery != nil:
		return provider.Event{
			Kind:          provider.EventKindAck,
			Name:          "delivery",
			AckMessageIDs: item.Delivery.Mids,
			AckStatus:     models.MessageStatusDelivered,
		}
	}
	return provider.Event{Kind: provider.EventKindUnknown, Name: "messaging"}
}

func attachmentType(t string) (models.MessageType, bool) {
	switch t {
	case "image":
		return models.MessageTypeImage, true
	case "video":
		return models.MessageTypeVideo, true
	case "audio":
		return models.MessageTypeAudio, true
	case "file":
		return models.MessageTypeFile, true
	}
	return "", false
}
