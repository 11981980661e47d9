package models

import "time"

type ConversationStatus string

const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusAssigned ConversationStatus = "assigned"
	ConversationStatusClosed   ConversationStatus = "closed"
)

// Conversation is the thread between a company and one customer identity on
// one platform. It is unique on (CompanyID, CustomerIdentity, Platform).
type Conversation struct {
	ID               string             `json:"id"`
	CompanyID        string             `json:"companyId"`
	CustomerIdentity string             `json:"customerIdentity"`
	Platform         Platform           `json:"platform"`
	Status           ConversationStatus `json:"status"`
	LastMessage      string             `json:"lastMessage"`
	LastMessageTime  *time.Time         `json:"lastMessageTime"`
	UnreadCount      int                `json:"unreadCount"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}
