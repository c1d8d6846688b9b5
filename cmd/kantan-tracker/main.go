package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/tokamak/kantan/internal/config"
	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/injector"
)

const Version = "0.1.0"

const usage = `Kantan document tracker.

Streams edits of tracked documents to one local client at a time. With
--stdin, view notifications are read as JSON lines from standard input and
the tracker exits when the input ends.

Usage:
    kantan-tracker [--config=<path>] [--transport=<kind>] [--log-level=<level>] [--stdin]
    kantan-tracker print-config [--config=<path>]
    kantan-tracker -h | --help
    kantan-tracker --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        YAML configuration file.
    --transport=<kind>     unix, websocket or quic.
    --log-level=<level>    debug, info, warn or error.
    --stdin                Read view commands from standard input.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	path, _ := opts.String("--config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(2)
	}
	if kind, _ := opts.String("--transport"); kind != "" {
		cfg.Transport.Transport = protocol.TransportKind(kind)
	}
	if level, _ := opts.String("--log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err = cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid config:", err)
		os.Exit(2)
	}

	if printConfig, _ := opts.Bool("print-config"); printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error rendering config:", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	useStdin, _ := opts.Bool("--stdin")
	os.Exit(run(cfg, useStdin))
}

func run(cfg config.Config, useStdin bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := injector.InitializeApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error starting tracker:", err)
		return 1
	}
	defer cleanup()
	defer app.Logger.Sync()

	app.Logger.Info("Tracker starting",
		log.String("version", Version),
		log.String("transport", string(cfg.Transport.Transport)),
		log.String("addr", app.Listener.Addr().String()))

	if err = app.Run(ctx, useStdin, os.Stdin); err != nil {
		app.Logger.Error("Tracker stopped with error", log.Error(err))
		return 1
	}

	stats := app.Registry.Stats()
	app.Logger.Info("Tracker stopped",
		log.Int("documents", stats.Documents),
		log.Int("events", stats.Events),
		log.Uint64("sessions", app.Server.Stats().Sessions))
	return 0
}
