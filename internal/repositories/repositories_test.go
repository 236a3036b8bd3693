package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	return sqlx.NewDb(sqldb, "postgres"), mock
}

var messageCols = []string{"id", "room_id", "message_id", "sender_id", "type", "server_ts", "body", "ciphertext", "iv", "algo", "key_ref", "aad", "deleted_by_sender", "deleted_for_all"}

func TestRoomRepoMembership(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`)).
		WithArgs(int64(10), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM room_members WHERE room_id=$1 ORDER BY user_id`)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM rooms WHERE id=$1`)).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_key", "kind", "e2ee", "created_at"}))

	ok, err := repo.IsMember(ctx, 10, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := repo.FindMembers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, members)

	_, err = repo.GetRoom(ctx, 99)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepoSaveCreatesRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	body := "hello"

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (room_id, message_id) DO NOTHING`)).
		WithArgs(int64(10), "m-1", int64(1), "text", ts, &body, nil, nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(5), int64(10), "m-1", int64(1), "text", ts, body, nil, nil, nil, nil, nil, false, false))

	saved, created, err := repo.SaveMessage(context.Background(), models.RoomMessage{
		RoomID: 10, MessageID: "m-1", SenderID: 1, Type: "text", ServerTimestamp: ts, Body: &body,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(5), saved.ID)
	assert.Equal(t, "hello", *saved.Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepoSaveReturnsExistingOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (room_id, message_id) DO NOTHING`)).
		WillReturnRows(sqlmock.NewRows(messageCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM room_messages WHERE room_id=$1 AND message_id=$2`)).
		WithArgs(int64(10), "m-1").
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(5), int64(10), "m-1", int64(1), "text", ts, "first", nil, nil, nil, nil, nil, false, false))

	saved, created, err := repo.SaveMessage(context.Background(), models.RoomMessage{RoomID: 10, MessageID: "m-1", SenderID: 1, Type: "text"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "first", *saved.Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepoListBeforeUsesRowCursor(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`AND (server_ts, message_id) < ($3, $4)`)).
		WithArgs(int64(10), int64(1), ts, "m-9", 50).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(4), int64(10), "m-8", int64(2), "text", ts.Add(-time.Second), "x", nil, nil, nil, nil, nil, false, false))

	msgs, err := repo.ListMessagesBefore(context.Background(), 10, 1, &models.Cursor{ServerTimestamp: ts, MessageID: "m-9"}, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-8", msgs[0].MessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepoMarkDeletedRequiresSender(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(`SET deleted_by_sender = TRUE, deleted_for_all = TRUE`)).
		WithArgs(int64(10), "m-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkMessageDeleted(context.Background(), 10, "m-1", 2, true)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepoAdvanceFiltersOnPredecessors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeliveryRepo(db)
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	device := "phone"

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE message_deliveries SET`)).
		WithArgs("READ", &device, true, at, true, "m-1", int64(2), int64(0), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "message_id", "user_id", "status", "device_id", "created_at", "delivered_at", "read_at"}).
			AddRow(int64(1), int64(10), "m-1", int64(2), "READ", device, at, at, at))

	rows, err := repo.AdvanceDelivery(context.Background(), 0, "m-1", 2, models.DeliveryRead, &device, at)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryRead, rows[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepoAdvanceToPendingIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeliveryRepo(db)

	rows, err := repo.AdvanceDelivery(context.Background(), 10, "m-1", 2, models.DeliveryPending, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepoCreatePendingSkipsEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeliveryRepo(db)
	at := time.Now()

	require.NoError(t, repo.CreatePending(context.Background(), 10, "m-1", nil, at))

	mock.ExpectExec(regexp.QuoteMeta(`FROM UNNEST($3::bigint[]) AS u`)).
		WithArgs(int64(10), "m-1", sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, repo.CreatePending(context.Background(), 10, "m-1", []int64{2, 3}, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepoListPendingScansJoinedRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeliveryRepo(db)
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	cols := []string{
		"delivery.id", "delivery.room_id", "delivery.message_id", "delivery.user_id", "delivery.status",
		"delivery.device_id", "delivery.created_at", "delivery.delivered_at", "delivery.read_at",
		"message.id", "message.room_id", "message.message_id", "message.sender_id", "message.type",
		"message.server_ts", "message.body", "message.ciphertext", "message.iv", "message.algo",
		"message.key_ref", "message.aad", "message.deleted_by_sender", "message.deleted_for_all",
		"room.id", "room.room_key", "room.kind", "room.e2ee", "room.created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`AND d.created_at > $2 ORDER BY m.server_ts, m.id`)).
		WithArgs(int64(2), ts).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(1), int64(10), "m-1", int64(2), "PENDING", nil, ts, nil, nil,
			int64(7), int64(10), "m-1", int64(1), "text", ts, "hi", nil, nil, nil, nil, nil, false, false,
			int64(10), "direct:1:2", "DIRECT", false, ts,
		))

	rows, err := repo.ListPending(context.Background(), 2, &ts)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryPending, rows[0].Delivery.Status)
	assert.Equal(t, int64(1), rows[0].Message.SenderID)
	assert.True(t, rows[0].Room.IsDirect())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepoCreateAndUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallRepo(db)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	call := models.CallSession{
		ID: "c-1", RoomID: 10, InitiatorID: 1, CalleeIDs: []int64{2},
		State: models.CallInviteSent, Topology: models.TopologyP2P, CreatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO call_sessions`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE call_sessions`)).
		WithArgs("c-1", models.CallEnded, nil, nil, &now, "hangup").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.CreateCall(context.Background(), call))

	call.State = models.CallEnded
	call.EndedAt = &now
	call.EndReason = "hangup"
	assert.ErrorIs(t, repo.UpdateCall(context.Background(), call), ErrCallNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoFindUserID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE username=$1`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE username=$1`)).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := repo.FindUserID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = repo.FindUserID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
