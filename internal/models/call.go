package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// CallState is a call lifecycle state.
type CallState string

const (
	CallInviteSent CallState = "INVITE_SENT"
	CallRinging    CallState = "RINGING"
	CallAnswered   CallState = "ANSWERED"
	CallEnded      CallState = "ENDED"
	CallDeclined   CallState = "DECLINED"
	CallTimeout    CallState = "TIMEOUT"
)

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallDeclined || s == CallTimeout
}

// Ringable reports whether the call is still waiting for an answer.
func (s CallState) Ringable() bool {
	return s == CallInviteSent || s == CallRinging
}

// Topology is the media topology negotiated for a call.
type Topology string

const (
	TopologyP2P Topology = "P2P"
	TopologySFU Topology = "SFU"
)

// TopologyFor returns P2P for up to two participants and SFU above that.
func TopologyFor(participants int) Topology {
	if participants <= 2 {
		return TopologyP2P
	}
	return TopologySFU
}

// CallSession is a persisted call.
type CallSession struct {
	ID          string         `db:"id" json:"id"`
	RoomID      int64          `db:"room_id" json:"room_id"`
	InitiatorID int64          `db:"initiator_id" json:"initiator_id"`
	CalleeIDs   pq.Int64Array  `db:"callee_ids" json:"callee_ids"`
	State       CallState      `db:"state" json:"state"`
	Topology    Topology       `db:"topology" json:"topology"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	RingingAt   *time.Time     `db:"ringing_at" json:"ringing_at,omitempty"`
	AnsweredAt  *time.Time     `db:"answered_at" json:"answered_at,omitempty"`
	EndedAt     *time.Time     `db:"ended_at" json:"ended_at,omitempty"`
	EndReason   string         `db:"end_reason" json:"end_reason,omitempty"`
	E2EEParams  types.JSONText `db:"e2ee_params" json:"e2ee_params,omitempty"`
}

// Participants returns the initiator followed by the callees.
func (c CallSession) Participants() []int64 {
	out := make([]int64, 0, len(c.CalleeIDs)+1)
	out = append(out, c.InitiatorID)
	for _, id := range c.CalleeIDs {
		if id != c.InitiatorID {
			out = append(out, id)
		}
	}
	return out
}

// IsParticipant reports whether userID is the initiator or a callee.
func (c CallSession) IsParticipant(userID int64) bool {
	return c.InitiatorID == userID || c.IsCallee(userID)
}

// IsCallee reports whether userID was invited.
func (c CallSession) IsCallee(userID int64) bool {
	for _, id := range c.CalleeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CallEvent is broadcast on a call topic for every transition or relayed signal.
type CallEvent struct {
	Type   string       `json:"type"`
	CallID string       `json:"call_id"`
	FromID int64        `json:"from_id,omitempty"`
	Call   *CallSession `json:"call,omitempty"`
	Signal any          `json:"signal,omitempty"`
}
