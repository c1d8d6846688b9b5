package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/tracking"
	"github.com/tokamak/kantan/sdk/go/client"
)

const Version = "0.1.0"

const usage = `Kantan tail.

Connects to a running document tracker and prints what it pushes: the raw
update batches by default, or the reconstructed text of every document with
--mirror.

Usage:
    kantan-tail [--transport=<kind>] [--endpoint=<name>] [--addr=<addr>]
        [--mirror] [--count=<count>] [--log-level=<level>]
    kantan-tail -h | --help
    kantan-tail --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --transport=<kind>     unix, websocket or quic [default: unix].
    --endpoint=<name>      Endpoint name [default: kantan.document_tracker].
    --addr=<addr>          host:port for websocket and quic.
    --mirror               Print document texts instead of batches.
    --count=<count>        Exit after this many batches.
    --log-level=<level>    debug, info, warn or error [default: warn].`

var errDone = errors.New("done")

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg := client.DefaultClientConfig()
	kind, _ := opts.String("--transport")
	cfg.Transport.Transport = protocol.TransportKind(kind)
	cfg.Transport.Endpoint, _ = opts.String("--endpoint")
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Transport.WebSocket.Addr = addr
		cfg.Transport.QUIC.Addr = addr
	}
	if err = cfg.Transport.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid options:", err)
		os.Exit(2)
	}
	levelName, _ := opts.String("--log-level")
	if cfg.LogLevel, err = log.ParseLevel(levelName); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid options:", err)
		os.Exit(2)
	}

	limit := 0
	if count, _ := opts.String("--count"); count != "" {
		if limit, err = strconv.Atoi(count); err != nil || limit <= 0 {
			fmt.Fprintln(os.Stderr, "Invalid options: --count must be a positive number")
			os.Exit(2)
		}
	}
	mirror, _ := opts.Bool("--mirror")

	os.Exit(run(cfg, mirror, limit))
}

func run(cfg client.Config, mirrorMode bool, limit int) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.NewClient(cfg)
	defer c.Close()

	mirror := client.NewMirror()
	c.OnEvent(client.EventTypeConnected, func(client.Event) { mirror.Reset() })
	c.OnEvent(client.EventTypeReconnecting, func(e client.Event) {
		fmt.Fprintf(os.Stderr, "reconnecting (attempt %d)\n", e.Attempt)
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)

	seen := 0
	err := c.Run(ctx, func(updates tracking.Updates) error {
		if mirrorMode {
			if err := mirror.Apply(updates); err != nil {
				return err
			}
			printMirror(mirror)
		} else if err := enc.Encode(updates); err != nil {
			return err
		}

		seen++
		if limit > 0 && seen >= limit {
			return errDone
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errDone), errors.Is(err, context.Canceled):
		return 0
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
}

func printMirror(m *client.Mirror) {
	for _, uri := range m.Documents() {
		text, open, _ := m.Text(uri)
		state := "open"
		if !open {
			state = "closed"
		}
		fmt.Printf("==> %s (%s) <==\n%s\n", uri, state, text)
	}
}
