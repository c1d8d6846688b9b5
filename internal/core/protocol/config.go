package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TransportKind names one of the local channel implementations.
type TransportKind string

const (
	TransportUnix      TransportKind = "unix"
	TransportWebSocket TransportKind = "websocket"
	TransportQUIC      TransportKind = "quic"
)

// DefaultEndpoint is the well-known name clients connect to.
const DefaultEndpoint = "kantan.document_tracker"

// Config holds transport configuration
type Config struct {
	Transport TransportKind `yaml:"transport"`
	Endpoint  string        `yaml:"endpoint"`

	// SocketDir is where the unix socket is created. Empty means os.TempDir().
	SocketDir string `yaml:"socket_dir"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxFrameSize int           `yaml:"max_frame_size"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	QUIC      QUICConfig      `yaml:"quic"`
}

// WebSocketConfig holds settings for the loopback websocket channel
type WebSocketConfig struct {
	Addr            string        `yaml:"addr"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
}

// QUICConfig holds settings for the loopback QUIC channel
type QUICConfig struct {
	Addr                 string        `yaml:"addr"`
	KeepAlivePeriod      time.Duration `yaml:"keep_alive_period"`
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout"`
}

// DefaultConfig returns default transport configuration
func DefaultConfig() Config {
	return Config{
		Transport:    TransportUnix,
		Endpoint:     DefaultEndpoint,
		WriteTimeout: 5 * time.Second,
		MaxFrameSize: 64 * 1024 * 1024, // 64MB
		WebSocket: WebSocketConfig{
			Addr:            "127.0.0.1:7420",
			PingInterval:    500 * time.Millisecond,
			PongWait:        2 * time.Second,
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
		},
		QUIC: QUICConfig{
			Addr:                 "127.0.0.1:7421",
			KeepAlivePeriod:      500 * time.Millisecond,
			MaxIdleTimeout:       2 * time.Second,
			HandshakeIdleTimeout: 5 * time.Second,
		},
	}
}

// SocketPath is the filesystem location of the unix endpoint.
func (c Config) SocketPath() string {
	dir := c.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, c.Endpoint+".sock")
}

// WebSocketPath is the HTTP path the websocket endpoint is served on.
func (c Config) WebSocketPath() string {
	return "/" + c.Endpoint
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	switch c.Transport {
	case TransportUnix:
	case TransportWebSocket:
		if c.WebSocket.Addr == "" {
			return fmt.Errorf("%w: websocket.addr is required", ErrInvalidConfig)
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
			return fmt.Errorf("%w: websocket.pong_wait must exceed websocket.ping_interval", ErrInvalidConfig)
		}
	case TransportQUIC:
		if c.QUIC.Addr == "" {
			return fmt.Errorf("%w: quic.addr is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrTransportNotSupported, c.Transport)
	}
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("%w: max_frame_size must not be negative", ErrInvalidConfig)
	}
	return nil
}
