package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"rtc-service/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomRepository answers membership questions for rooms.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID int64) (models.Room, error)
	FindRoomByKey(ctx context.Context, key string) (models.Room, error)
	IsMember(ctx context.Context, roomID int64, userID int64) (bool, error)
	FindMembers(ctx context.Context, roomID int64) ([]int64, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

const roomColumns = `id, room_key, kind, e2ee, created_at`

func (r *RoomRepo) GetRoom(ctx context.Context, roomID int64) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

func (r *RoomRepo) FindRoomByKey(ctx context.Context, key string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT `+roomColumns+` FROM rooms WHERE room_key=$1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

func (r *RoomRepo) IsMember(ctx context.Context, roomID int64, userID int64) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return ok, err
}

// FindMembers returns member ids in ascending order.
func (r *RoomRepo) FindMembers(ctx context.Context, roomID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM room_members WHERE room_id=$1 ORDER BY user_id`, roomID)
	return ids, err
}
