package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"rtc-service/internal/models"
)

var ErrCallNotFound = errors.New("call not found")

// CallRepository persists call sessions.
type CallRepository interface {
	CreateCall(ctx context.Context, call models.CallSession) error
	GetCall(ctx context.Context, callID string) (models.CallSession, error)
	UpdateCall(ctx context.Context, call models.CallSession) error
	// ListStaleCalls returns unanswered calls created before cutoff.
	ListStaleCalls(ctx context.Context, cutoff time.Time) ([]models.CallSession, error)
	// ListActiveCalls returns every non-terminal call.
	ListActiveCalls(ctx context.Context) ([]models.CallSession, error)
	ListCallsByRoom(ctx context.Context, roomID int64, limit int) ([]models.CallSession, error)
}

type CallRepo struct {
	db *sqlx.DB
}

func NewCallRepo(db *sqlx.DB) *CallRepo {
	return &CallRepo{db: db}
}

const callColumns = `id, room_id, initiator_id, callee_ids, state, topology, created_at, ringing_at, answered_at, ended_at, end_reason, e2ee_params`

func (r *CallRepo) CreateCall(ctx context.Context, call models.CallSession) error {
	if len(call.E2EEParams) == 0 {
		call.E2EEParams = types.JSONText("{}")
	}
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO call_sessions (`+callColumns+`)
        VALUES (:id, :room_id, :initiator_id, :callee_ids, :state, :topology, :created_at, :ringing_at, :answered_at, :ended_at, :end_reason, :e2ee_params)`, call)
	return err
}

func (r *CallRepo) GetCall(ctx context.Context, callID string) (models.CallSession, error) {
	var call models.CallSession
	err := r.db.GetContext(ctx, &call, `SELECT `+callColumns+` FROM call_sessions WHERE id=$1`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallSession{}, ErrCallNotFound
	}
	return call, err
}

func (r *CallRepo) UpdateCall(ctx context.Context, call models.CallSession) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_sessions
        SET state=$2, ringing_at=$3, answered_at=$4, ended_at=$5, end_reason=$6
        WHERE id=$1`, call.ID, call.State, call.RingingAt, call.AnsweredAt, call.EndedAt, call.EndReason)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (r *CallRepo) ListStaleCalls(ctx context.Context, cutoff time.Time) ([]models.CallSession, error) {
	var calls []models.CallSession
	err := r.db.SelectContext(ctx, &calls, `SELECT `+callColumns+` FROM call_sessions
        WHERE state IN ('INVITE_SENT', 'RINGING') AND created_at < $1
        ORDER BY created_at`, cutoff)
	return calls, err
}

func (r *CallRepo) ListActiveCalls(ctx context.Context) ([]models.CallSession, error) {
	var calls []models.CallSession
	err := r.db.SelectContext(ctx, &calls, `SELECT `+callColumns+` FROM call_sessions
        WHERE state IN ('INVITE_SENT', 'RINGING', 'ANSWERED')
        ORDER BY created_at`)
	return calls, err
}

func (r *CallRepo) ListCallsByRoom(ctx context.Context, roomID int64, limit int) ([]models.CallSession, error) {
	var calls []models.CallSession
	err := r.db.SelectContext(ctx, &calls, `SELECT `+callColumns+` FROM call_sessions
        WHERE room_id=$1
        ORDER BY created_at DESC
        LIMIT $2`, roomID, limit)
	return calls, err
}
