// Package client provides a Go SDK for consuming a kantan document tracker.
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/protocol/transport"
	"github.com/tokamak/kantan/internal/core/tracking"
)

// Client reads update batches pushed by a tracker
type Client struct {
	// Connection management
	stream io.ReadCloser
	reader *protocol.FrameReader
	connMu sync.Mutex

	// Event handlers
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected int32 // atomic bool
	closed    int32 // atomic bool

	batches    uint64
	heartbeats uint64

	// Configuration and logging
	config Config
	logger log.Log
}

// Config holds configuration for the client
type Config struct {
	// Transport selects and addresses the tracker endpoint.
	Transport protocol.Config

	// Connection settings
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// Logging
	LogLevel log.Level
	Logger   log.Log
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		Transport:            protocol.DefaultConfig(),
		ConnectTimeout:       5 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		LogLevel:             log.LevelInfo,
	}
}

// UpdateHandler receives every non-empty batch in arrival order.
type UpdateHandler func(updates tracking.Updates) error

// EventHandler defines a function type for handling client events
type EventHandler func(event Event)

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnecting EventType = "reconnecting"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Attempt   int
	Error     error
}

// NewClient creates a new client
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = log.New(config.LogLevel)
	}

	return &Client{
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger: logger.With(
			log.String("component", "client"),
			log.String("transport", string(config.Transport.Transport))),
	}
}

// Connect dials the tracker. The tracker answers every new connection with
// the full state of all documents it knows.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if atomic.LoadInt32(&c.connected) == 1 {
		return ErrAlreadyConnected
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	stream, err := transport.Dial(ctx, c.config.Transport)
	if err != nil {
		c.logger.Debug("Failed to connect to tracker", log.Error(err))
		return err
	}

	c.connMu.Lock()
	c.stream = stream
	c.reader = protocol.NewFrameReader(stream, c.config.Transport.MaxFrameSize)
	c.connMu.Unlock()
	atomic.StoreInt32(&c.connected, 1)

	c.logger.Info("Connected to tracker")
	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now()})
	return nil
}

// Next blocks until the next non-empty batch arrives. Heartbeats are skipped.
// Cancelling ctx drops the connection, since a frame read cannot be resumed.
func (c *Client) Next(ctx context.Context) (tracking.Updates, error) {
	c.connMu.Lock()
	stream, reader := c.stream, c.reader
	c.connMu.Unlock()

	if atomic.LoadInt32(&c.connected) == 0 || reader == nil {
		return nil, ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.drop(ctxErr)
				return nil, ctxErr
			}
			c.drop(err)
			if errors.Is(err, io.EOF) {
				return nil, ErrServerClosed
			}
			return nil, protocol.Disconnected(err)
		}
		if protocol.IsHeartbeat(frame) {
			atomic.AddUint64(&c.heartbeats, 1)
			continue
		}

		updates, err := protocol.DecodeFrame(frame)
		if err != nil {
			c.logger.Error("Failed to decode frame", log.Int("bytes", len(frame)), log.Error(err))
			c.drop(err)
			return nil, err
		}
		atomic.AddUint64(&c.batches, 1)
		return updates, nil
	}
}

// Run feeds batches to handler until ctx is done, the handler fails, or the
// tracker stays unreachable for MaxReconnectAttempts. After a reconnect the
// tracker resends everything, so handlers holding derived state should reset
// on EventTypeConnected.
func (c *Client) Run(ctx context.Context, handler UpdateHandler) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	for {
		updates, err := c.Next(ctx)
		if err == nil {
			if err = handler(updates); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Close during Next surfaces as a read on a closed stream.
		if c.IsClosed() || errors.Is(err, ErrClientClosed) {
			return ErrClientClosed
		}

		c.logger.Warn("Connection lost, attempting to reconnect", log.Error(err))
		if err = c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		c.emitEvent(Event{Type: EventTypeReconnecting, Timestamp: time.Now(), Attempt: attempt})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ReconnectInterval):
		}

		if lastErr = c.Connect(ctx); lastErr == nil {
			c.logger.Info("Reconnected successfully", log.Int("attempt", attempt))
			return nil
		}
		if errors.Is(lastErr, ErrClientClosed) {
			return lastErr
		}
		c.logger.Debug("Reconnection failed", log.Int("attempt", attempt), log.Error(lastErr))
	}
	if lastErr == nil {
		return ErrReconnectFailed
	}
	return errors.Join(ErrReconnectFailed, lastErr)
}

// drop tears down the current stream after a read failure.
func (c *Client) drop(reason error) {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return
	}
	c.connMu.Lock()
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.stream, c.reader = nil, nil
	c.connMu.Unlock()

	c.logger.Info("Disconnected from tracker", log.Error(reason))
	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: reason})
}

// Disconnect closes the connection to the tracker
func (c *Client) Disconnect() error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	c.drop(nil)
	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil // Already closed
	}
	if atomic.LoadInt32(&c.connected) == 1 {
		c.drop(ErrClientClosed)
	}
	c.logger.Debug("Client closed")
	return nil
}

// OnEvent registers a handler for client events. Handlers run synchronously
// on the goroutine that caused the event.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Stats returns the number of batches and heartbeats received.
func (c *Client) Stats() (batches, heartbeats uint64) {
	return atomic.LoadUint64(&c.batches), atomic.LoadUint64(&c.heartbeats)
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
