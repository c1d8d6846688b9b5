// Package bridge drives an editor.Listener from newline delimited JSON
// commands, so a host editor extension in any language can run the tracker
// as a sidecar process and feed it over stdin.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/tracking"
)

// Op names a view notification.
type Op string

const (
	OpOpened  Op = "opened"
	OpChanged Op = "changed"
	OpClosed  Op = "closed"
)

var (
	ErrUnknownOp  = errors.New("unknown op")
	ErrMissingURI = errors.New("missing uri")
)

// Command is one line of input.
type Command struct {
	Op    Op                          `json:"op"`
	URI   string                      `json:"uri"`
	Text  string                      `json:"text,omitempty"`
	Edits []tracking.TextModification `json:"edits,omitempty"`
}

// Views is the part of editor.Listener the bridge drives.
type Views interface {
	ViewOpened(uri, text string) error
	ViewClosed(uri string) error
	ViewChanged(uri string, mods []tracking.TextModification, text string) error
}

// Bridge reads commands from a stream.
type Bridge struct {
	views   Views
	logger  log.Log
	maxLine int

	applied uint64
	failed  uint64
}

// New creates a bridge. maxLine bounds a single command, 0 picks 64MB.
func New(views Views, maxLine int, logger log.Log) *Bridge {
	if logger == nil {
		logger = log.Provide()
	}
	if maxLine <= 0 {
		maxLine = 64 * 1024 * 1024
	}
	return &Bridge{
		views:   views,
		maxLine: maxLine,
		logger:  logger.With(log.String("component", "bridge")),
	}
}

// Run applies commands until r is exhausted or ctx is done. Malformed or
// rejected commands are logged and skipped; only read failures end the run.
// io.EOF is reported as nil.
func (b *Bridge) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, b.maxLine)), b.maxLine)

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("read command: %w", err)
					}
				default:
				}
				b.logger.Info("Command stream ended",
					log.Uint64("applied", b.applied),
					log.Uint64("failed", b.failed))
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if err := b.Apply(line); err != nil {
				b.failed++
				b.logger.Error("Failed to apply command", log.Error(err))
				continue
			}
			b.applied++
		}
	}
}

// Apply decodes and executes one command.
func (b *Bridge) Apply(line []byte) error {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	return b.Execute(cmd)
}

func (b *Bridge) Execute(cmd Command) error {
	if cmd.URI == "" {
		return ErrMissingURI
	}
	switch cmd.Op {
	case OpOpened:
		return b.views.ViewOpened(cmd.URI, cmd.Text)
	case OpChanged:
		return b.views.ViewChanged(cmd.URI, cmd.Edits, cmd.Text)
	case OpClosed:
		return b.views.ViewClosed(cmd.URI)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
}
