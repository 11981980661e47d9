package whatsapp

import (
	"io"
	"strconv"
	"testing"
	"time"

	"chatengine/internal/models"
	"chatengine/pkg/provider"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParser() *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(models.WhatsAppConfig{APIBaseURL: "http://waha:3000"}, logger)
}

func TestParseWebhook_Messages(t *testing.T) {
	tests := []struct {
		name string
		body string
		want provider.Event
	}{
		{
			name: "inbound text",
			body: `{"event":"message","session":"acme","payload":{"id":"false_1555@c.us_A1","timestamp":1700000000,"from":"1555@c.us","to":"1999@c.us","fromMe":false,"body":"hi"}}`,
			want: provider.Event{
				Kind: provider.EventKindMessage, Name: "message", MessageID: "false_1555@c.us_A1",
				From: "1555@c.us", To: "1999@c.us", Timestamp: time.Unix(1700000000, 0).UTC(),
				Type: models.MessageTypeText, Text: "hi",
			},
		},
		{
			name: "outbound echo",
			body: `{"event":"message.any","payload":{"id":"true_1555@c.us_B2","timestamp":1700000001,"from":"1999@c.us","to":"1555@c.us","fromMe":true,"body":"sent from phone"}}`,
			want: provider.Event{
				Kind: provider.EventKindMessage, Name: "message.any", MessageID: "true_1555@c.us_B2",
				From: "1999@c.us", To: "1555@c.us", FromMe: true, Timestamp: time.Unix(1700000001, 0).UTC(),
				Type: models.MessageTypeText, Text: "sent from phone",
			},
		},
		{
			name: "image with caption",
			body: `{"event":"message","payload":{"id":"C3","from":"1555@c.us","body":"caption","hasMedia":true,"media":{"url":"http://localhost:3000/api/files/c3.jpg","mimetype":"image/jpeg","filename":"c3.jpg"}}}`,
			want: provider.Event{
				Kind: provider.EventKindMessage, Name: "message", MessageID: "C3", From: "1555@c.us",
				Type: models.MessageTypeImage, Text: "caption",
				Media: &provider.MediaRef{MessageID: "C3", URL: "http://localhost:3000/api/files/c3.jpg", MimeType: "image/jpeg", FileName: "c3.jpg"},
			},
		},
		{
			name: "voice note",
			body: `{"event":"message","payload":{"id":"D4","from":"1555@c.us","hasMedia":true,"media":{"url":"http://waha:3000/f/d4.oga","mimetype":"audio/ogg; codecs=opus"}}}`,
			want: provider.Event{
				Kind: provider.EventKindMessage, Name: "message", MessageID: "D4", From: "1555@c.us",
				Type:  models.MessageTypeAudio,
				Media: &provider.MediaRef{MessageID: "D4", URL: "http://waha:3000/f/d4.oga", MimeType: "audio/ogg; codecs=opus"},
			},
		},
	}

	parser := newParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := parser.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0])
		})
	}
}

func TestParseWebhook_Acks(t *testing.T) {
	tests := []struct {
		ack  int
		want models.MessageStatus
	}{
		{models.ACKError, models.MessageStatusFailed},
		{models.ACKPending, ""},
		{models.ACKServer, models.MessageStatusSent},
		{models.ACKDevice, models.MessageStatusDelivered},
		{models.ACKRead, models.MessageStatusDelivered},
		{models.ACKPlayed, models.MessageStatusDelivered},
	}

	parser := newParser()
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.ack), func(t *testing.T) {
			body := []byte(`{"event":"message.ack","payload":{"id":"true_1555@c.us_X","ack":` + strconv.Itoa(tt.ack) + `}}`)
			events, err := parser.ParseWebhook(body)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, provider.EventKindAck, events[0].Kind)
			assert.Equal(t, []string{"true_1555@c.us_X"}, events[0].AckMessageIDs)
			assert.Equal(t, tt.want, events[0].AckStatus)
		})
	}
}

func TestParseWebhook_SessionStatus(t *testing.T) {
	tests := []struct {
		status   string
		wantKind provider.EventKind
		want     provider.ConnectionState
	}{
		{models.GatewayStatusWorking, provider.EventKindConnection, provider.ConnectionOpen},
		{models.GatewayStatusScanQR, provider.EventKindConnection, provider.ConnectionQR},
		{models.GatewayStatusFailed, provider.EventKindConnection, provider.ConnectionFailed},
		{models.GatewayStatusStopped, provider.EventKindConnection, provider.ConnectionClose},
		{models.GatewayStatusLoggedOut, provider.EventKindConnection, provider.ConnectionLoggedOut},
		{models.GatewayStatusStarting, provider.EventKindUnknown, ""},
	}

	parser := newParser()
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := []byte(`{"event":"session.status","session":"acme","me":{"id":"1999@c.us"},"payload":{"status":"` + tt.status + `"}}`)
			events, err := parser.ParseWebhook(body)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantKind, events[0].Kind)
			if tt.wantKind != provider.EventKindConnection {
				return
			}
			assert.Equal(t, tt.want, events[0].Connection.State)
			if tt.want == provider.ConnectionOpen {
				assert.Equal(t, "1999@c.us", events[0].Connection.Identity)
			}
		})
	}
}

func TestParseWebhook_InvalidAndUnknown(t *testing.T) {
	parser := newParser()

	_, err := parser.ParseWebhook([]byte(`{not json`))
	assert.Error(t, err)

	_, err = parser.ParseWebhook([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	events, err := parser.ParseWebhook([]byte(`{"event":"presence.update","payload":{}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventKindUnknown, events[0].Kind)
	assert.Equal(t, "presence.update", events[0].Name)
}
