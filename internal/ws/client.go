package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rtc-service/internal/apperr"
	"rtc-service/internal/backpressure"
	"rtc-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. Frames are queued behind the
// connection's backpressure guard and written by a single writer goroutine.
type Client struct {
	info  ConnInfo
	conn  *websocket.Conn
	guard *backpressure.Guard
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, info ConnInfo, guard *backpressure.Guard, queue int) *Client {
	return &Client{
		info:  info,
		conn:  conn,
		guard: guard,
		send:  make(chan []byte, queue),
		done:  make(chan struct{}),
	}
}

func (c *Client) ID() string       { return c.info.ConnID }
func (c *Client) UserID() int64    { return c.info.UserID }
func (c *Client) DeviceID() string { return c.info.DeviceID }
func (c *Client) Info() ConnInfo   { return c.info }

// Send enqueues payload without touching the socket. It returns false when
// the guard refused the frame or the connection is closing.
func (c *Client) Send(dest string, payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if !c.guard.Acquire(dest) {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		c.guard.Release()
		return false
	default:
		c.guard.Release()
		return false
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

// reply sends a frame to this connection only.
func (c *Client) reply(frameType, dest, requestID string, payload any) bool {
	raw, err := encodeFrame(OutboundFrame{Type: frameType, Dest: dest, RequestID: requestID, Payload: payload})
	if err != nil {
		return false
	}
	return c.Send(dest, raw)
}

func (c *Client) replyError(requestID string, err error) bool {
	return c.reply(FrameError, models.DestErrors, requestID, ErrorPayload{Code: apperr.Code(err), Message: err.Error()})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, payload)
			c.guard.Release()
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes inbound frames and hands them to handle until the socket
// fails. It returns the close reason.
func (c *Client) readPump(ctx context.Context, handle func(context.Context, *Client, InboundFrame)) string {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.replyError("", apperr.ErrInvalidRequest)
			continue
		}
		handle(ctx, c, frame)
	}
}

// ackOK acknowledges a frame to this connection. A dropped ack is not an
// error of the frame itself.
func (c *Client) ackOK(requestID string, payload any) error {
	c.reply(FrameAck, models.DestAck, requestID, payload)
	return nil
}

func (c *Client) replyTo(frameType, dest, requestID string, payload any) error {
	c.reply(frameType, dest, requestID, payload)
	return nil
}
