package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"rtc-service/internal/models"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// DeliveryRepository tracks per-recipient delivery state.
type DeliveryRepository interface {
	// CreatePending inserts a PENDING row per user, leaving existing rows untouched.
	CreatePending(ctx context.Context, roomID int64, messageID string, userIDs []int64, at time.Time) error
	// AdvanceDelivery moves matching rows to status `to` if they are currently
	// in one of its predecessors, and returns the rows that changed. roomID 0
	// matches any room.
	AdvanceDelivery(ctx context.Context, roomID int64, messageID string, userID int64, to models.DeliveryStatus, deviceID *string, at time.Time) ([]models.MessageDelivery, error)
	GetDelivery(ctx context.Context, roomID int64, messageID string, userID int64) (models.MessageDelivery, error)
	// ListPending returns the user's PENDING and SENT_TO_SOCKET rows, with
	// their message and room, ordered by server timestamp.
	ListPending(ctx context.Context, userID int64, since *time.Time) ([]models.PendingDelivery, error)
}

type DeliveryRepo struct {
	db *sqlx.DB
}

func NewDeliveryRepo(db *sqlx.DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

const deliveryColumns = `id, room_id, message_id, user_id, status, device_id, created_at, delivered_at, read_at`

func (r *DeliveryRepo) CreatePending(ctx context.Context, roomID int64, messageID string, userIDs []int64, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_deliveries (room_id, message_id, user_id, status, created_at)
        SELECT $1, $2, u, 'PENDING', $4 FROM UNNEST($3::bigint[]) AS u
        ON CONFLICT (room_id, message_id, user_id) DO NOTHING`, roomID, messageID, pq.Array(userIDs), at)
	return err
}

func (r *DeliveryRepo) AdvanceDelivery(ctx context.Context, roomID int64, messageID string, userID int64, to models.DeliveryStatus, deviceID *string, at time.Time) ([]models.MessageDelivery, error) {
	preds := to.Predecessors()
	if len(preds) == 0 {
		return nil, nil
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}
	stampDelivered := to == models.DeliveryDelivered || to == models.DeliveryRead
	stampRead := to == models.DeliveryRead

	var rows []models.MessageDelivery
	err := r.db.SelectContext(ctx, &rows, `UPDATE message_deliveries SET
            status = $1,
            device_id = COALESCE($2::text, device_id),
            delivered_at = CASE WHEN $3::boolean THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
            read_at = CASE WHEN $5::boolean THEN COALESCE(read_at, $4) ELSE read_at END
        WHERE message_id=$6 AND user_id=$7 AND ($8::bigint = 0 OR room_id = $8) AND status = ANY($9)
        RETURNING `+deliveryColumns,
		string(to), deviceID, stampDelivered, at, stampRead, messageID, userID, roomID, pq.Array(from))
	return rows, err
}

func (r *DeliveryRepo) GetDelivery(ctx context.Context, roomID int64, messageID string, userID int64) (models.MessageDelivery, error) {
	var d models.MessageDelivery
	err := r.db.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM message_deliveries WHERE room_id=$1 AND message_id=$2 AND user_id=$3`, roomID, messageID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageDelivery{}, ErrDeliveryNotFound
	}
	return d, err
}

const pendingSelect = `SELECT
        d.id AS "delivery.id", d.room_id AS "delivery.room_id", d.message_id AS "delivery.message_id",
        d.user_id AS "delivery.user_id", d.status AS "delivery.status", d.device_id AS "delivery.device_id",
        d.created_at AS "delivery.created_at", d.delivered_at AS "delivery.delivered_at", d.read_at AS "delivery.read_at",
        m.id AS "message.id", m.room_id AS "message.room_id", m.message_id AS "message.message_id",
        m.sender_id AS "message.sender_id", m.type AS "message.type", m.server_ts AS "message.server_ts",
        m.body AS "message.body", m.ciphertext AS "message.ciphertext", m.iv AS "message.iv",
        m.algo AS "message.algo", m.key_ref AS "message.key_ref", m.aad AS "message.aad",
        m.deleted_by_sender AS "message.deleted_by_sender", m.deleted_for_all AS "message.deleted_for_all",
        r.id AS "room.id", r.room_key AS "room.room_key", r.kind AS "room.kind", r.e2ee AS "room.e2ee",
        r.created_at AS "room.created_at"
    FROM message_deliveries d
    JOIN room_messages m ON m.room_id = d.room_id AND m.message_id = d.message_id
    JOIN rooms r ON r.id = d.room_id
    WHERE d.user_id = $1 AND d.status IN ('PENDING', 'SENT_TO_SOCKET') AND m.deleted_for_all = FALSE`

func (r *DeliveryRepo) ListPending(ctx context.Context, userID int64, since *time.Time) ([]models.PendingDelivery, error) {
	var rows []models.PendingDelivery
	if since == nil {
		err := r.db.SelectContext(ctx, &rows, pendingSelect+` ORDER BY m.server_ts, m.id`, userID)
		return rows, err
	}
	err := r.db.SelectContext(ctx, &rows, pendingSelect+` AND d.created_at > $2 ORDER BY m.server_ts, m.id`, userID, *since)
	return rows, err
}
