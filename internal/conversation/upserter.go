// Package conversation resolves customer identities to conversations and keeps
// their last-message metadata current.
package conversation

import (
	"context"
	"fmt"
	"time"

	"chatengine/internal/clock"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/logging"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/privacy"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the upserter needs. InsertConversation must
// return an AppError with code CONFLICT when the unique key already exists.
type Store interface {
	GetConversation(ctx context.Context, companyID, customerIdentity string, platform models.Platform) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, companyID, id string) (*models.Conversation, error)
	InsertConversation(ctx context.Context, c *models.Conversation) error
	RecordConversationMessage(ctx context.Context, id, lastMessage string, at time.Time, unreadDelta int) (*models.Conversation, error)
	MarkConversationRead(ctx context.Context, companyID, id string) (bool, error)
}

type Upserter struct {
	store    Store
	notifier notify.Publisher
	clock    clock.Clock
	logger   *logrus.Logger
}

func NewUpserter(store Store, notifier notify.Publisher, c clock.Clock, logger *logrus.Logger) *Upserter {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Upserter{store: store, notifier: notifier, clock: c, logger: logger}
}

// ResolveConversation returns the conversation for (tenantID, customerIdentity,
// platform), creating it on first contact. A concurrent creator winning the
// insert is resolved by reading its row once.
func (u *Upserter) ResolveConversation(ctx context.Context, tenantID string, platform models.Platform, customerIdentity string) (*models.Conversation, error) {
	if customerIdentity == "" {
		return nil, apperrors.NewValidationError("customerIdentity", "", "customer identity is required")
	}

	existing, err := u.store.GetConversation(ctx, tenantID, customerIdentity, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := u.clock.Now().UTC()
	conv := &models.Conversation{
		ID:               uuid.NewString(),
		CompanyID:        tenantID,
		CustomerIdentity: customerIdentity,
		Platform:         platform,
		Status:           models.ConversationStatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = u.store.InsertConversation(ctx, conv)
	if err == nil {
		u.logger.WithFields(logrus.Fields{
			logging.LogFieldTenant:         tenantID,
			logging.LogFieldPlatform:       platform,
			logging.LogFieldConversationID: conv.ID,
			logging.LogFieldRecipient:      privacy.MaskRecipient(customerIdentity),
		}).Info("Conversation created")
		return conv, nil
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	winner, err := u.store.GetConversation(ctx, tenantID, customerIdentity, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read conversation after conflict: %w", err)
	}
	if winner == nil {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "conversation vanished after unique violation")
	}
	return winner, nil
}

// RecordMessage moves the conversation's last-message preview forward and
// counts inbound messages as unread. The updated conversation is published.
func (u *Upserter) RecordMessage(ctx context.Context, conv *models.Conversation, msg *models.Message) (*models.Conversation, error) {
	unread := 0
	if msg.Direction == models.DirectionInbound {
		unread = 1
	}

	updated, err := u.store.RecordConversationMessage(ctx, conv.ID, Preview(msg), msg.Timestamp, unread)
	if err != nil {
		return nil, fmt.Errorf("failed to record message on conversation: %w", err)
	}

	u.notifier.Publish(ctx, conv.CompanyID, notify.EventConversationUpdated, updated)
	return updated, nil
}

// MarkRead resets the unread counter of a tenant's conversation.
func (u *Upserter) MarkRead(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	found, err := u.store.MarkConversationRead(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	if !found {
		return nil, apperrors.NewNotFoundError("conversation", conversationID)
	}

	conv, err := u.store.GetConversationByID(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload conversation: %w", err)
	}
	if conv != nil {
		u.notifier.Publish(ctx, tenantID, notify.EventConversationUpdated, conv)
	}
	return conv, nil
}

// Preview is the text shown as a conversation's last message.
func Preview(msg *models.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if msg.Type.IsMedia() {
		return "[" + string(msg.Type) + "]"
	}
	return ""
}
