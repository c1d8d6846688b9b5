package quic

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var (
	_ protocol.Connection = (*Connection)(nil)
	_ protocol.KeepAlive  = (*Connection)(nil)
)

// Connection implements protocol.Connection for QUIC. Frames are written to a
// single server-opened bidirectional stream.
type Connection struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	config protocol.Config
	closed int32 // atomic bool
	logger log.Log

	writeMu sync.Mutex
}

func newConnection(ctx context.Context, conn *quic.Conn, config protocol.Config, logger log.Log) (*Connection, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	c := &Connection{
		id:     id,
		conn:   conn,
		stream: stream,
		config: config,
		logger: logger.With(log.String("connection_id", id)),
	}
	// A stream is invisible to the peer until it carries data; a heartbeat
	// makes it show up right away.
	if err = c.Write(ctx, protocol.Heartbeat()); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Lost is closed when quic-go tears the connection down, including on idle
// timeout after keep-alives went unanswered.
func (c *Connection) Lost() <-chan struct{} {
	return c.conn.Context().Done()
}

// Write sends one frame on the stream
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
	_ = c.stream.SetWriteDeadline(deadline)

	if _, err := c.stream.Write(frame); err != nil {
		return protocol.Disconnected(errors.Wrap(err, "failed to write frame"))
	}
	return nil
}

// Close closes the stream and the connection
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.logger.Debug("Closing QUIC connection")
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}
