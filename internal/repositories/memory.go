package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"rtc-service/internal/models"
)

type messageKey struct {
	roomID    int64
	messageID string
}

type deliveryKey struct {
	roomID    int64
	messageID string
	userID    int64
}

// MemoryStore implements every repository in process memory. It backs the
// service when no database is configured, and the service-level tests.
type MemoryStore struct {
	mu sync.RWMutex

	rooms      map[int64]models.Room
	members    map[int64]map[int64]bool
	users      map[string]int64
	messages   map[messageKey]models.RoomMessage
	deliveries map[deliveryKey]models.MessageDelivery
	calls      map[string]models.CallSession
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      make(map[int64]models.Room),
		members:    make(map[int64]map[int64]bool),
		users:      make(map[string]int64),
		messages:   make(map[messageKey]models.RoomMessage),
		deliveries: make(map[deliveryKey]models.MessageDelivery),
		calls:      make(map[string]models.CallSession),
	}
}

// AddRoom registers room with the given members, replacing any previous entry.
func (s *MemoryStore) AddRoom(room models.Room, memberIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	set := make(map[int64]bool, len(memberIDs))
	for _, id := range memberIDs {
		set[id] = true
	}
	s.members[room.ID] = set
}

func (s *MemoryStore) AddUser(username string, userID int64) {
	s.mu.Lock()
	s.users[username] = userID
	s.mu.Unlock()
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID int64) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) FindRoomByKey(ctx context.Context, key string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		if room.Key == key {
			return room, nil
		}
	}
	return models.Room{}, ErrRoomNotFound
}

func (s *MemoryStore) IsMember(ctx context.Context, roomID int64, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[roomID][userID], nil
}

func (s *MemoryStore) FindMembers(ctx context.Context, roomID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.members[roomID]))
	for id := range s.members[roomID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) FindUserID(ctx context.Context, username string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	return id, nil
}

func (s *MemoryStore) FindMessage(ctx context.Context, roomID int64, messageID string) (models.RoomMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageKey{roomID, messageID}]
	if !ok {
		return models.RoomMessage{}, ErrMessageNotFound
	}
	return msg, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg models.RoomMessage) (models.RoomMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{msg.RoomID, msg.MessageID}
	if existing, ok := s.messages[key]; ok {
		return existing, false, nil
	}
	msg.ID = s.id()
	s.messages[key] = msg
	return msg, true, nil
}

func (s *MemoryStore) ListMessagesBefore(ctx context.Context, roomID int64, viewerID int64, before *models.Cursor, limit int) ([]models.RoomMessage, error) {
	s.mu.RLock()
	out := make([]models.RoomMessage, 0)
	for key, msg := range s.messages {
		if key.roomID != roomID || msg.DeletedForAll {
			continue
		}
		if msg.SenderID == viewerID && msg.DeletedBySender {
			continue
		}
		if before != nil && !cursorLess(msg.ServerTimestamp, msg.MessageID, *before) {
			continue
		}
		out = append(out, msg)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return cursorLess(out[j].ServerTimestamp, out[j].MessageID, models.Cursor{ServerTimestamp: out[i].ServerTimestamp, MessageID: out[i].MessageID})
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cursorLess orders by (server timestamp, message id), matching the SQL row comparison.
func cursorLess(ts time.Time, messageID string, c models.Cursor) bool {
	if ts.Equal(c.ServerTimestamp) {
		return messageID < c.MessageID
	}
	return ts.Before(c.ServerTimestamp)
}

func (s *MemoryStore) MarkMessageDeleted(ctx context.Context, roomID int64, messageID string, senderID int64, forAll bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{roomID, messageID}
	msg, ok := s.messages[key]
	if !ok || msg.SenderID != senderID {
		return ErrMessageNotFound
	}
	msg.DeletedBySender = true
	if forAll {
		msg.DeletedForAll = true
	}
	s.messages[key] = msg
	return nil
}

func (s *MemoryStore) CreatePending(ctx context.Context, roomID int64, messageID string, userIDs []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, userID := range userIDs {
		key := deliveryKey{roomID, messageID, userID}
		if _, ok := s.deliveries[key]; ok {
			continue
		}
		s.deliveries[key] = models.MessageDelivery{
			ID:        s.id(),
			RoomID:    roomID,
			MessageID: messageID,
			UserID:    userID,
			Status:    models.DeliveryPending,
			CreatedAt: at,
		}
	}
	return nil
}

func (s *MemoryStore) AdvanceDelivery(ctx context.Context, roomID int64, messageID string, userID int64, to models.DeliveryStatus, deviceID *string, at time.Time) ([]models.MessageDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []models.MessageDelivery
	for key, d := range s.deliveries {
		if key.messageID != messageID || key.userID != userID || (roomID != 0 && key.roomID != roomID) {
			continue
		}
		if !d.Status.CanAdvanceTo(to) {
			continue
		}
		d.Status = to
		if deviceID != nil {
			d.DeviceID = deviceID
		}
		if (to == models.DeliveryDelivered || to == models.DeliveryRead) && d.DeliveredAt == nil {
			stamp := at
			d.DeliveredAt = &stamp
		}
		if to == models.DeliveryRead && d.ReadAt == nil {
			stamp := at
			d.ReadAt = &stamp
		}
		s.deliveries[key] = d
		changed = append(changed, d)
	}
	return changed, nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, roomID int64, messageID string, userID int64) (models.MessageDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryKey{roomID, messageID, userID}]
	if !ok {
		return models.MessageDelivery{}, ErrDeliveryNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, userID int64, since *time.Time) ([]models.PendingDelivery, error) {
	s.mu.RLock()
	var out []models.PendingDelivery
	for key, d := range s.deliveries {
		if key.userID != userID {
			continue
		}
		if d.Status != models.DeliveryPending && d.Status != models.DeliverySentToSocket {
			continue
		}
		if since != nil && !d.CreatedAt.After(*since) {
			continue
		}
		msg, ok := s.messages[messageKey{key.roomID, key.messageID}]
		if !ok || msg.DeletedForAll {
			continue
		}
		out = append(out, models.PendingDelivery{Delivery: d, Message: msg, Room: s.rooms[key.roomID]})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if a.ServerTimestamp.Equal(b.ServerTimestamp) {
			return a.ID < b.ID
		}
		return a.ServerTimestamp.Before(b.ServerTimestamp)
	})
	return out, nil
}

func (s *MemoryStore) CreateCall(ctx context.Context, call models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, callID string) (models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	if !ok {
		return models.CallSession{}, ErrCallNotFound
	}
	return cloneCall(call), nil
}

func (s *MemoryStore) UpdateCall(ctx context.Context, call models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; !ok {
		return ErrCallNotFound
	}
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) ListStaleCalls(ctx context.Context, cutoff time.Time) ([]models.CallSession, error) {
	return s.filterCalls(func(c models.CallSession) bool {
		return c.State.Ringable() && c.CreatedAt.Before(cutoff)
	}, false), nil
}

func (s *MemoryStore) ListActiveCalls(ctx context.Context) ([]models.CallSession, error) {
	return s.filterCalls(func(c models.CallSession) bool { return !c.State.Terminal() }, false), nil
}

func (s *MemoryStore) ListCallsByRoom(ctx context.Context, roomID int64, limit int) ([]models.CallSession, error) {
	calls := s.filterCalls(func(c models.CallSession) bool { return c.RoomID == roomID }, true)
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (s *MemoryStore) filterCalls(keep func(models.CallSession) bool, newestFirst bool) []models.CallSession {
	s.mu.RLock()
	var out []models.CallSession
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, cloneCall(c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneCall(c models.CallSession) models.CallSession {
	c.CalleeIDs = append(c.CalleeIDs[:0:0], c.CalleeIDs...)
	return c
}
