package whatsapp

import (
	"encoding/json"
	"strings"
)

const (
	apiBase           = "/api"
	endpointSendText  = "/sendText"
	endpointSendImage = "/sendImage"
	endpointSendFile  = "/sendFile"
	endpointSendVoice = "/sendVoice"
	endpointSendVideo = "/sendVideo"
	endpointSessions  = "/sessions"
)

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// fileData references media by URL; the gateway downloads it itself.
type fileData struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendMediaRequest struct {
	Session string   `json:"session"`
	ChatID  string   `json:"chatId"`
	File    fileData `json:"file"`
	Caption string   `json:"caption,omitempty"`
	Convert *bool    `json:"convert,omitempty"`
}

type createSessionRequest struct {
	Name  string `json:"name"`
	Start bool   `json:"start"`
}

// messageID matches the gateway's id field, which is either a plain string
// or an object carrying the serialized id.
type messageID struct {
	ID         string `json:"id"`
	Serialized string `json:"_serialized"`
}

func (m *messageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Serialized = s
		return nil
	}
	type plain messageID
	return json.Unmarshal(data, (*plain)(m))
}

func (m *messageID) String() string {
	if m == nil {
		return ""
	}
	if m.Serialized != "" {
		return m.Serialized
	}
	return m.ID
}

type messageResponse struct {
	ID   *messageID `json:"id"`
	Data *struct {
		ID *messageID `json:"id"`
	} `json:"_data"`
}

func (r *messageResponse) messageID() string {
	if id := r.ID.String(); id != "" {
		return id
	}
	if r.Data != nil {
		return r.Data.ID.String()
	}
	return ""
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorResponse) String() string {
	return strings.TrimSpace(e.Error + " " + e.Message)
}

type sessionInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Me     *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me"`
}

type qrResponse struct {
	Value string `json:"value"`
}
