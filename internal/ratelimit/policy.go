package ratelimit

import (
	"fmt"

	"rtc-service/internal/config"
)

// Policy binds one limit/window tuple per action class.
type Policy struct {
	limiter *Limiter

	ConnectPerOrigin config.RateTuple
	JoinPerUser      config.RateTuple
	SendPerUserRoom  config.RateTuple
	SendPerUser      config.RateTuple
	TypingPerUser    config.RateTuple
}

// NewPolicy builds the action policies from configuration.
func NewPolicy(l *Limiter, cfg config.Config) *Policy {
	return &Policy{
		limiter:          l,
		ConnectPerOrigin: cfg.ConnectPerOrigin,
		JoinPerUser:      cfg.JoinPerUser,
		SendPerUserRoom:  cfg.SendPerUserRoom,
		SendPerUser:      cfg.SendPerUser,
		TypingPerUser:    cfg.TypingPerUser,
	}
}

func (p *Policy) Connect(origin string) error {
	return p.limiter.CheckOrThrow("connect:"+origin, p.ConnectPerOrigin.Limit, p.ConnectPerOrigin.Window)
}

func (p *Policy) Join(userID int64) error {
	return p.limiter.CheckOrThrow(fmt.Sprintf("join:%d", userID), p.JoinPerUser.Limit, p.JoinPerUser.Window)
}

// Send checks both the per-room and the per-user send budget.
func (p *Policy) Send(userID, roomID int64) error {
	if err := p.limiter.CheckOrThrow(fmt.Sprintf("send_room:%d:%d", userID, roomID), p.SendPerUserRoom.Limit, p.SendPerUserRoom.Window); err != nil {
		return err
	}
	return p.limiter.CheckOrThrow(fmt.Sprintf("send_user:%d", userID), p.SendPerUser.Limit, p.SendPerUser.Window)
}

func (p *Policy) Typing(userID int64) error {
	return p.limiter.CheckOrThrow(fmt.Sprintf("typing:%d", userID), p.TypingPerUser.Limit, p.TypingPerUser.Window)
}
