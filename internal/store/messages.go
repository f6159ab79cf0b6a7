package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentswarm/coordinator/internal/events"
)

// SaveMessage persists a direct or ack-required message so it survives the
// recipient being offline.
func (s *Store) SaveMessage(ctx context.Context, msg *events.Message) error {
	var expires int64
	if !msg.ExpiresAt.IsZero() {
		expires = msg.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, type, sender, recipient, payload, requires_ack, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Type, msg.Sender, msg.Recipient, msg.Payload,
		boolToInt(msg.RequiresAck), msg.CreatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// PendingMessages returns undelivered, unexpired messages for a recipient
// in arrival order.
func (s *Store) PendingMessages(ctx context.Context, recipient string) ([]*events.Message, error) {
	now := time.Now().UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, sender, recipient, payload, requires_ack, acked_by, acked_at, created_at, expires_at
		FROM messages
		WHERE recipient = ? AND delivered_at = 0 AND (expires_at = 0 OR expires_at > ?)
		ORDER BY created_at
	`, recipient, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []*events.Message
	for rows.Next() {
		msg := &events.Message{}
		var requiresAck int
		var ackedBy sql.NullString
		var ackedAt, created, expires int64
		err := rows.Scan(&msg.ID, &msg.Type, &msg.Sender, &msg.Recipient, &msg.Payload,
			&requiresAck, &ackedBy, &ackedAt, &created, &expires)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.RequiresAck = requiresAck != 0
		msg.AckedBy = ackedBy.String
		msg.AckedAt = nsToTime(ackedAt)
		msg.CreatedAt = nsToTime(created)
		msg.ExpiresAt = nsToTime(expires)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

// MarkDelivered records that a message reached its recipient. Ack-required
// messages stay pending confirmation until AcknowledgeMessage.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at = 0
	`, now, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return nil
}

// AcknowledgeMessage records the recipient's confirmation of an ack-required
// message. Only the addressed recipient may acknowledge.
func (s *Store) AcknowledgeMessage(ctx context.Context, messageID, agentID string) (bool, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET acked_by = ?, acked_at = ?, delivered_at = ?
		WHERE id = ? AND recipient = ? AND requires_ack = 1 AND acked_at = 0
	`, agentID, now, now, messageID, agentID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
