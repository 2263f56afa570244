package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// sendBuffer bounds queued outbound frames per connection. A peer that
	// cannot drain this many frames is considered dead.
	sendBuffer = 256
)

// ErrChannelClosed is returned when writing to a closed channel.
var ErrChannelClosed = errors.New("signal: channel closed")

// Channel is one signaling connection. All writes go through a single
// writer goroutine so request replies and event emissions never interleave
// mid-frame.
type Channel struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel wraps an upgraded websocket connection and starts its writer.
func NewChannel(conn *websocket.Conn) *Channel {
	c := &Channel{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Read blocks for the next request envelope from the client.
func (c *Channel) Read() (*Envelope, error) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Reply acknowledges request id with a payload.
func (c *Channel) Reply(id int64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.enqueue(&Envelope{Type: TypeResponse, ID: id, Data: raw})
}

// ReplyError acknowledges request id with a classified failure.
func (c *Channel) ReplyError(id int64, serr *Error) error {
	return c.enqueue(&Envelope{
		Type: TypeResponse,
		ID:   id,
		Error: &ErrorBody{
			Code:    string(serr.Kind),
			Message: serr.Message,
		},
	})
}

// Emit pushes a server-originated event to the client.
func (c *Channel) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.enqueue(&Envelope{Type: TypeEvent, Event: event, Data: raw})
}

func (c *Channel) enqueue(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		// Queue full: the client is not draining. Drop the connection
		// rather than block the caller.
		c.Close()
		return ErrChannelClosed
	}
}

// Close tears the connection down. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
