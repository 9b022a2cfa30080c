// Package transport adapts a gorilla WebSocket connection to the relay's
// Transport: a buffered outbound queue drained by one writer goroutine, and
// a read loop feeding frames to the relay.
package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection closed")
)

type Config struct {
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
	cfg  Config

	mu     sync.RWMutex
	closed bool
}

func NewClient(conn *websocket.Conn, cfg Config) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Client{
		conn: conn,
		send: make(chan []byte, cfg.SendBuffer),
		cfg:  cfg,
	}
}

// Send queues msg for the writer. It never blocks: a full queue returns
// ErrSendBufferFull.
func (c *Client) Send(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping writes a ping control frame. Safe to call alongside WritePump.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
}

// Close stops the writer, which sends a close frame and closes the socket.
// Queued messages are flushed first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// ReadPump reads text frames until the connection fails. A text frame
// larger than MaxMessageSize is discarded and reported to onOversize with
// its full size; the connection stays open. onPong runs for every pong
// frame. The caller owns teardown after ReadPump returns.
func (c *Client) ReadPump(onMessage func([]byte), onOversize func(size int64), onPong func()) {
	c.conn.SetPongHandler(func(string) error {
		onPong()
		return nil
	})

	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str("remote_addr", c.conn.RemoteAddr().String()).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			// The next NextReader call discards the unread frame.
			continue
		}

		message, oversize, err := c.readFrame(r)
		if err != nil {
			l := log.L()
			l.Debug().Err(err).Str("remote_addr", c.conn.RemoteAddr().String()).Msg("websocket read error")
			return
		}
		if oversize > 0 {
			onOversize(oversize)
			continue
		}
		onMessage(message)
	}
}

// readFrame reads one frame up to MaxMessageSize. For a larger frame it
// drains the remainder and returns the total size instead of the payload.
func (c *Client) readFrame(r io.Reader) ([]byte, int64, error) {
	if c.cfg.MaxMessageSize <= 0 {
		message, err := io.ReadAll(r)
		return message, 0, err
	}

	message, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxMessageSize+1))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(message)) <= c.cfg.MaxMessageSize {
		return message, 0, nil
	}

	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, 0, err
	}
	return nil, int64(len(message)) + rest, nil
}

// WritePump drains the send queue, one frame per message.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			l := log.L()
			l.Debug().Err(err).Msg("websocket write error")
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
