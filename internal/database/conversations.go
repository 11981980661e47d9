package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatengine/internal/models"
)

const (
	selectConversationColumns = `
		SELECT id, company_id, customer_identity, platform, status, last_message,
			   last_message_time, unread_count, created_at, updated_at
		FROM conversations
	`

	insertConversationQuery = `
		INSERT INTO conversations (
			id, company_id, customer_identity, platform, status, last_message,
			last_message_time, unread_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// last_message only moves forward in time; the unread counter is incremented in SQL
	// so concurrent inbound messages cannot lose an update.
	recordConversationMessageQuery = `
		UPDATE conversations SET
			last_message = CASE WHEN last_message_time IS NULL OR last_message_time <= ? THEN ? ELSE last_message END,
			last_message_time = CASE WHEN last_message_time IS NULL OR last_message_time <= ? THEN ? ELSE last_message_time END,
			unread_count = unread_count + ?,
			updated_at = ?
		WHERE id = ?
	`
)

// GetConversation looks a conversation up by its unique key. It returns nil, nil when absent.
func (d *Database) GetConversation(ctx context.Context, companyID, customerIdentity string, platform models.Platform) (*models.Conversation, error) {
	identity, err := d.encryptor.EncryptForLookup(customerIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt customer identity: %w", err)
	}

	row := d.db.QueryRowContext(ctx,
		selectConversationColumns+" WHERE company_id = ? AND customer_identity = ? AND platform = ?",
		companyID, identity, string(platform))
	c, err := d.scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// GetConversationByID returns nil, nil when companyID owns no conversation with id.
func (d *Database) GetConversationByID(ctx context.Context, companyID, id string) (*models.Conversation, error) {
	row := d.db.QueryRowContext(ctx, selectConversationColumns+" WHERE company_id = ? AND id = ?", companyID, id)
	c, err := d.scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// InsertConversation creates c. A concurrent insert of the same unique key
// returns an AppError with code CONFLICT.
func (d *Database) InsertConversation(ctx context.Context, c *models.Conversation) error {
	identity, err := d.encryptor.EncryptForLookup(c.CustomerIdentity)
	if err != nil {
		return fmt.Errorf("failed to encrypt customer identity: %w", err)
	}
	lastMessage, err := d.encryptor.Encrypt(c.LastMessage)
	if err != nil {
		return fmt.Errorf("failed to encrypt last message: %w", err)
	}

	err = retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, insertConversationQuery,
			c.ID,
			c.CompanyID,
			identity,
			string(c.Platform),
			string(c.Status),
			lastMessage,
			nullTime(c.LastMessageTime),
			c.UnreadCount,
			c.CreatedAt.UTC(),
			c.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		return nil
	}, "insert conversation")
	if IsUniqueViolation(err) {
		return conflictError("conversation", err)
	}
	return err
}

// RecordConversationMessage updates last-message metadata and adds
// unreadDelta to the unread counter, returning the updated row.
func (d *Database) RecordConversationMessage(ctx context.Context, id, lastMessage string, at time.Time, unreadDelta int) (*models.Conversation, error) {
	encrypted, err := d.encryptor.Encrypt(lastMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt last message: %w", err)
	}
	at = at.UTC()

	err = retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, recordConversationMessageQuery,
			at, encrypted, at, at, unreadDelta, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("conversation %s not found", id)
		}
		return nil
	}, "record conversation message")
	if err != nil {
		return nil, err
	}

	row := d.db.QueryRowContext(ctx, selectConversationColumns+" WHERE id = ?", id)
	c, err := d.scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload conversation: %w", err)
	}
	return c, nil
}

// MarkConversationRead resets the unread counter. It reports whether the conversation exists.
func (d *Database) MarkConversationRead(ctx context.Context, companyID, id string) (bool, error) {
	var found bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx,
			"UPDATE conversations SET unread_count = 0, updated_at = ? WHERE company_id = ? AND id = ?",
			time.Now().UTC(), companyID, id)
		if err != nil {
			return fmt.Errorf("failed to mark conversation read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		found = n > 0
		return nil
	}, "mark conversation read")
	return found, err
}

// ListConversations returns companyID's conversations, most recent first.
func (d *Database) ListConversations(ctx context.Context, companyID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		selectConversationColumns+" WHERE company_id = ? ORDER BY last_message_time DESC, created_at DESC LIMIT ?",
		companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := d.scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, nil
}

func (d *Database) scanConversation(row scanner) (*models.Conversation, error) {
	var (
		c           models.Conversation
		identity    string
		platform    string
		status      string
		lastMessage sql.NullString
		lastTime    sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.CompanyID, &identity, &platform, &status, &lastMessage,
		&lastTime, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	plainIdentity, err := d.encryptor.Decrypt(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt customer identity: %w", err)
	}
	plainMessage, err := d.encryptor.Decrypt(lastMessage.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt last message: %w", err)
	}

	c.CustomerIdentity = plainIdentity
	c.Platform = models.Platform(platform)
	c.Status = models.ConversationStatus(status)
	c.LastMessage = plainMessage
	c.LastMessageTime = timePtr(lastTime)
	return &c, nil
}
