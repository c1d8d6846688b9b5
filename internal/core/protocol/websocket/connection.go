package websocket

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var (
	_ protocol.Connection = (*Connection)(nil)
	_ protocol.KeepAlive  = (*Connection)(nil)
)

// Connection represents a WebSocket client connection
type Connection struct {
	id     string
	conn   *websocket.Conn
	config protocol.Config
	closed int32
	logger log.Log

	lost     chan struct{}
	lostOnce sync.Once

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewConnection wraps an upgraded connection and starts its ping loop and
// read pump.
func NewConnection(conn *websocket.Conn, config protocol.Config, logger log.Log) *Connection {
	if logger == nil {
		logger = log.Provide()
	}
	id := uuid.NewString()
	c := &Connection{
		id:     id,
		conn:   conn,
		config: config,
		logger: logger.With(log.String("connection_id", id)),
		lost:   make(chan struct{}),
	}

	pongWait := config.WebSocket.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pingLoop()
	return c
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Lost is closed when the read pump fails or a ping cannot be sent.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

func (c *Connection) markLost(reason error) {
	c.lostOnce.Do(func() {
		c.logger.Debug("WebSocket peer lost", log.Error(reason))
		close(c.lost)
	})
}

// readPump drains client messages so control frames are processed. Clients
// have nothing to say on this channel, so data messages are discarded.
func (c *Connection) readPump() {
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.markLost(err)
			return
		}
		if _, err = io.Copy(io.Discard, r); err != nil {
			c.markLost(err)
			return
		}
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.config.WebSocket.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.lost:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WebSocket.PingInterval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.markLost(err)
				return
			}
		}
	}
}

// Write sends frame as one text message.
func (c *Connection) Write(ctx context.Context, frame []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return protocol.Disconnected(protocol.ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.markLost(err)
		return protocol.Disconnected(errors.Wrap(err, "failed to write message"))
	}
	return nil
}

// Close sends a close frame when possible and releases the socket
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(100*time.Millisecond))
	c.markLost(protocol.ErrConnectionClosed)
	return c.conn.Close()
}

// Dial connects to the websocket endpoint and returns the frame stream.
func Dial(ctx context.Context, config protocol.Config) (io.ReadCloser, error) {
	u := url.URL{Scheme: "ws", Host: config.WebSocket.Addr, Path: config.WebSocketPath()}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial websocket", err)
	}
	return &streamReader{conn: conn}, nil
}

// streamReader flattens websocket messages into one byte stream. Every
// message already ends with the frame delimiter.
type streamReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (s *streamReader) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *streamReader) Close() error {
	return s.conn.Close()
}
