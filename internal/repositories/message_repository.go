package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"rtc-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository stores room messages. Rows are never physically removed;
// only the delete flags change after insert.
type MessageRepository interface {
	FindMessage(ctx context.Context, roomID int64, messageID string) (models.RoomMessage, error)
	// SaveMessage inserts msg unless (room_id, message_id) already exists, in
	// which case the stored row is returned with created=false.
	SaveMessage(ctx context.Context, msg models.RoomMessage) (saved models.RoomMessage, created bool, err error)
	ListMessagesBefore(ctx context.Context, roomID int64, viewerID int64, before *models.Cursor, limit int) ([]models.RoomMessage, error)
	MarkMessageDeleted(ctx context.Context, roomID int64, messageID string, senderID int64, forAll bool) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, room_id, message_id, sender_id, type, server_ts, body, ciphertext, iv, algo, key_ref, aad, deleted_by_sender, deleted_for_all`

func (r *MessageRepo) FindMessage(ctx context.Context, roomID int64, messageID string) (models.RoomMessage, error) {
	var msg models.RoomMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM room_messages WHERE room_id=$1 AND message_id=$2`, roomID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoomMessage{}, ErrMessageNotFound
	}
	return msg, err
}

func (r *MessageRepo) SaveMessage(ctx context.Context, msg models.RoomMessage) (models.RoomMessage, bool, error) {
	var saved models.RoomMessage
	err := r.db.GetContext(ctx, &saved, `INSERT INTO room_messages (room_id, message_id, sender_id, type, server_ts, body, ciphertext, iv, algo, key_ref, aad)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (room_id, message_id) DO NOTHING
        RETURNING `+messageColumns,
		msg.RoomID, msg.MessageID, msg.SenderID, msg.Type, msg.ServerTimestamp,
		msg.Body, msg.Ciphertext, msg.IV, msg.Algo, msg.KeyRef, msg.AAD)
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RoomMessage{}, false, err
	}

	// lost the insert race: the winner's row is authoritative
	existing, err := r.FindMessage(ctx, msg.RoomID, msg.MessageID)
	return existing, false, err
}

// ListMessagesBefore pages backwards from before (exclusive), newest first.
// Rows deleted for everyone, and rows the viewer deleted as sender, are hidden.
func (r *MessageRepo) ListMessagesBefore(ctx context.Context, roomID int64, viewerID int64, before *models.Cursor, limit int) ([]models.RoomMessage, error) {
	var msgs []models.RoomMessage
	if before == nil {
		err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM room_messages
        WHERE room_id=$1
        AND deleted_for_all = FALSE
        AND NOT (sender_id=$2 AND deleted_by_sender = TRUE)
        ORDER BY server_ts DESC, message_id DESC
        LIMIT $3`, roomID, viewerID, limit)
		return msgs, err
	}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM room_messages
        WHERE room_id=$1
        AND deleted_for_all = FALSE
        AND NOT (sender_id=$2 AND deleted_by_sender = TRUE)
        AND (server_ts, message_id) < ($3, $4)
        ORDER BY server_ts DESC, message_id DESC
        LIMIT $5`, roomID, viewerID, before.ServerTimestamp, before.MessageID, limit)
	return msgs, err
}

// MarkMessageDeleted sets the delete flags on a message sent by senderID.
func (r *MessageRepo) MarkMessageDeleted(ctx context.Context, roomID int64, messageID string, senderID int64, forAll bool) error {
	query := `UPDATE room_messages SET deleted_by_sender = TRUE WHERE room_id=$1 AND message_id=$2 AND sender_id=$3`
	if forAll {
		query = `UPDATE room_messages SET deleted_by_sender = TRUE, deleted_for_all = TRUE WHERE room_id=$1 AND message_id=$2 AND sender_id=$3`
	}
	res, err := r.db.ExecContext(ctx, query, roomID, messageID, senderID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
