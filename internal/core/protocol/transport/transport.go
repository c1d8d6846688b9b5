// Package transport selects a channel implementation from protocol.Config.
package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/protocol/quic"
	"github.com/tokamak/kantan/internal/core/protocol/unix"
	"github.com/tokamak/kantan/internal/core/protocol/websocket"
)

// Listen opens the server side of the configured transport.
func Listen(config protocol.Config, logger log.Log) (protocol.Listener, error) {
	switch config.Transport {
	case protocol.TransportUnix, "":
		l, err := unix.Listen(config, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case protocol.TransportWebSocket:
		l, err := websocket.Listen(config, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case protocol.TransportQUIC:
		l, err := quic.Listen(config, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrTransportNotSupported, config.Transport)
	}
}

// Dial connects to the configured endpoint and returns the raw frame stream.
func Dial(ctx context.Context, config protocol.Config) (io.ReadCloser, error) {
	switch config.Transport {
	case protocol.TransportUnix, "":
		return unix.Dial(ctx, config)
	case protocol.TransportWebSocket:
		return websocket.Dial(ctx, config)
	case protocol.TransportQUIC:
		return quic.Dial(ctx, config)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrTransportNotSupported, config.Transport)
	}
}
