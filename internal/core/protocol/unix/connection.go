package unix

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Connection is the server side of one unix socket client
type Connection struct {
	id     string
	conn   net.Conn
	config protocol.Config
	closed int32
	logger log.Log

	bytesSent uint64

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewConnection wraps an accepted socket.
func NewConnection(conn net.Conn, config protocol.Config, logger log.Log) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		logger: logger.With(log.String("connection_id", id)),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Write sends frame with a single write call. The deadline is the earlier of
// ctx's deadline and the configured write timeout.
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

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := c.conn.Write(frame)
	atomic.AddUint64(&c.bytesSent, uint64(n))
	if err != nil {
		return protocol.Disconnected(pkgerrors.Wrap(err, "failed to write frame"))
	}
	return nil
}

// BytesSent returns the number of bytes written so far.
func (c *Connection) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}

func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.logger.Debug("Closing unix connection")
	return c.conn.Close()
}

// Dial connects to the endpoint as a client and returns the frame stream.
func Dial(ctx context.Context, config protocol.Config) (io.ReadCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", config.SocketPath())
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDialFailed, "failed to dial unix socket", err)
	}
	return conn, nil
}
