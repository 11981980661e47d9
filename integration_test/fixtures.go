package integration_test

import (
	"encoding/json"
	"time"

	"chatengine/internal/models"
)

// Gateway webhook bodies in the shape the WhatsApp gateway posts them.

func textWebhook(session, id, from, body string) []byte {
	return encode(map[string]interface{}{
		"event":   models.EventMessage,
		"session": session,
		"payload": map[string]interface{}{
			"id":        id,
			"timestamp": time.Now().Unix(),
			"from":      from,
			"to":        "15550001@c.us",
			"body":      body,
		},
	})
}

func mediaWebhook(session, id, from, caption, url, mimeType string) []byte {
	return encode(map[string]interface{}{
		"event":   models.EventMessage,
		"session": session,
		"payload": map[string]interface{}{
			"id":        id,
			"timestamp": time.Now().Unix(),
			"from":      from,
			"to":        "15550001@c.us",
			"body":      caption,
			"hasMedia":  true,
			"media": map[string]string{
				"url":      url,
				"mimetype": mimeType,
				"filename": "photo.jpg",
			},
		},
	})
}

func ackWebhook(session, id string, ack int) []byte {
	return encode(map[string]interface{}{
		"event":   models.EventMessageACK,
		"session": session,
		"payload": map[string]interface{}{
			"id":  id,
			"ack": ack,
		},
	})
}

func statusWebhook(session, status string) []byte {
	return encode(map[string]interface{}{
		"event":   models.EventSessionStatus,
		"session": session,
		"me":      map[string]string{"id": "15550001@c.us", "pushName": "Support"},
		"payload": map[string]interface{}{
			"status": status,
		},
	})
}

func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
