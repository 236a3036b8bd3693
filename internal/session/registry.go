// Package session tracks the live connections of every user.
package session

import (
	"sort"
	"sync"
)

// Conn is a live client connection as seen by the delivery layer.
type Conn interface {
	ID() string
	UserID() int64
	DeviceID() string
	// Send enqueues payload for dest without blocking on the socket. It
	// returns false when the frame was dropped.
	Send(dest string, payload []byte) bool
}

// Registry maps userId to the set of that user's open connections. A user may
// be connected from several devices at once.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[int64]map[string]Conn)}
}

func (r *Registry) OnOpen(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[conn.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.users[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
}

// OnClose removes conn and drops the user entry once it is empty.
func (r *Registry) OnClose(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[conn.UserID()]
	if !ok {
		return
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.users, conn.UserID())
	}
}

// GetSessions returns a snapshot of userID's connections ordered by id.
func (r *Registry) GetSessions(userID int64) []Conn {
	r.mu.RLock()
	conns := r.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) IsConnected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SendToUser pushes payload to every connection of userID and returns how
// many accepted it.
func (r *Registry) SendToUser(userID int64, dest string, payload []byte) int {
	sent := 0
	for _, c := range r.GetSessions(userID) {
		if c.Send(dest, payload) {
			sent++
		}
	}
	return sent
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
