package models

// Gateway (WAHA) webhook event types
const (
	EventMessage       = "message"
	EventMessageAny    = "message.any"
	EventMessageACK    = "message.ack"
	EventSessionStatus = "session.status"
)

// Gateway message ACK statuses
const (
	ACKError   = -1
	ACKPending = 0
	ACKServer  = 1
	ACKDevice  = 2
	ACKRead    = 3
	ACKPlayed  = 4
)

// Gateway session statuses reported by session.status events and the sessions API
const (
	GatewayStatusStarting  = "STARTING"
	GatewayStatusScanQR    = "SCAN_QR_CODE"
	GatewayStatusWorking   = "WORKING"
	GatewayStatusFailed    = "FAILED"
	GatewayStatusStopped   = "STOPPED"
	GatewayStatusLoggedOut = "LOGGED_OUT"
)

type WhatsAppWebhookPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Session   string `json:"session"`
	Me        *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me"`
	Payload struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		From      string `json:"from"`
		FromMe    bool   `json:"fromMe"`
		To        string `json:"to"`
		Body      string `json:"body"`
		HasMedia  bool   `json:"hasMedia"`
		Media     *struct {
			URL      string `json:"url"`
			MimeType string `json:"mimetype"`
			Filename string `json:"filename"`
		} `json:"media"`
		// message.ack carries the ack level directly: -1=ERROR, 0=PENDING, 1=SERVER, 2=DEVICE, 3=READ, 4=PLAYED
		ACK *int `json:"ack,omitempty"`
		// session.status
		Status string `json:"status,omitempty"`
	} `json:"payload"`
	Engine string `json:"engine"`
}

// MetaWebhookPayload is the Messenger / Instagram Graph webhook envelope.
type MetaWebhookPayload struct {
	Object string      `json:"object"`
	Entry  []MetaEntry `json:"entry"`
}

type MetaEntry struct {
	ID        string          `json:"id"`
	Time      int64           `json:"time"`
	Messaging []MetaMessaging `json:"messaging"`
}

type MetaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		Mids      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
}
