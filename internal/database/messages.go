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
	insertMessageIfAbsentQuery = `
		INSERT INTO messages (
			id, tenant_id, platform, conversation_id, direction, type,
			content, media_url, thumbnail_url, status, error, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, platform, id) DO NOTHING
	`

	selectMessageColumns = `
		SELECT id, tenant_id, platform, conversation_id, direction, type,
			   content, media_url, thumbnail_url, status, error, timestamp, created_at
		FROM messages
	`

	// Only outbound messages carry delivery receipts, and a receipt only
	// moves a message forward: sent, then delivered or failed. Both end
	// states rank equal so a late receipt cannot flip one into the other.
	updateMessageStatusQuery = `
		UPDATE messages SET status = ?
		WHERE tenant_id = ? AND platform = ? AND id = ? AND direction = 'outbound'
		  AND CASE status WHEN 'received' THEN 0 WHEN 'sent' THEN 1 ELSE 2 END
		    < CASE ? WHEN 'received' THEN 0 WHEN 'sent' THEN 1 ELSE 2 END
	`
)

// InsertMessageIfAbsent stores m unless a message with the same id already
// exists for its tenant and platform. It reports whether a row was written.
func (d *Database) InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error) {
	content, err := d.encryptor.Encrypt(m.Content)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	createdAt := m.CreatedAt.UTC()
	if m.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var inserted bool
	err = retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, insertMessageIfAbsentQuery,
			m.ID,
			m.TenantID,
			string(m.Platform),
			m.ConversationID,
			string(m.Direction),
			string(m.Type),
			content,
			nullString(m.MediaURL),
			nullString(m.ThumbnailURL),
			string(m.Status),
			m.Error,
			m.Timestamp.UTC(),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		inserted = n == 1
		return nil
	}, "insert message")
	return inserted, err
}

// MessageExists reports whether id is already stored for tenant and platform.
func (d *Database) MessageExists(ctx context.Context, tenantID string, platform models.Platform, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		"SELECT 1 FROM messages WHERE tenant_id = ? AND platform = ? AND id = ?",
		tenantID, string(platform), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return true, nil
}

// GetMessage returns nil, nil when the message does not exist.
func (d *Database) GetMessage(ctx context.Context, tenantID string, platform models.Platform, id string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, selectMessageColumns+" WHERE tenant_id = ? AND platform = ? AND id = ?",
		tenantID, string(platform), id)
	m, err := d.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus applies a delivery receipt to an outbound message and
// reports whether anything changed.
func (d *Database) UpdateMessageStatus(ctx context.Context, tenantID string, platform models.Platform, id string, status models.MessageStatus) (bool, error) {
	var changed bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, updateMessageStatusQuery,
			string(status), tenantID, string(platform), id, string(status))
		if err != nil {
			return fmt.Errorf("failed to update message status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		changed = n > 0
		return nil
	}, "update message status")
	return changed, err
}

// ListConversationMessages returns up to limit messages oldest first.
func (d *Database) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, selectMessageColumns+
		" WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT ?", conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (d *Database) scanMessage(row scanner) (*models.Message, error) {
	var (
		m            models.Message
		platform     string
		direction    string
		msgType      string
		status       string
		content      sql.NullString
		mediaURL     sql.NullString
		thumbnailURL sql.NullString
		errText      sql.NullString
	)
	if err := row.Scan(&m.ID, &m.TenantID, &platform, &m.ConversationID, &direction, &msgType,
		&content, &mediaURL, &thumbnailURL, &status, &errText, &m.Timestamp, &m.CreatedAt); err != nil {
		return nil, err
	}

	plaintext, err := d.encryptor.Decrypt(content.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message content: %w", err)
	}

	m.Platform = models.Platform(platform)
	m.Direction = models.Direction(direction)
	m.Type = models.MessageType(msgType)
	m.Status = models.MessageStatus(status)
	m.Content = plaintext
	m.MediaURL = stringPtr(mediaURL)
	m.ThumbnailURL = stringPtr(thumbnailURL)
	m.Error = errText.String
	return &m, nil
}
