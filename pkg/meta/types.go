package meta

type recipient struct {
	ID string `json:"id"`
}

type attachmentPayload struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type outboundMessage struct {
	Text       string      `json:"text,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type sendRequest struct {
	Recipient     recipient       `json:"recipient"`
	MessagingType string          `json:"messaging_type"`
	Message       outboundMessage `json:"message"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Graph error codes that change how a failed call is classified.
const (
	graphCodeTooManyCalls   = 4
	graphCodeUserTooMany    = 17
	graphCodeRateLimit      = 32
	graphCodeThrottled      = 613
	graphCodeAccessToken    = 190
	graphCodeTemporaryIssue = 2
)
