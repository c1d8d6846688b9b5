package injector

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/tokamak/kantan/internal/bridge"
	"github.com/tokamak/kantan/internal/config"
	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/protocol/transport"
	"github.com/tokamak/kantan/internal/core/tracking"
	"github.com/tokamak/kantan/internal/editor"
	"github.com/tokamak/kantan/internal/server"
)

// App is the assembled tracker process.
type App struct {
	Config   config.Config
	Logger   *log.Logger
	Registry *tracking.Registry
	Listener protocol.Listener
	Server   *server.Server
	Editor   *editor.Listener
	Bridge   *bridge.Bridge
}

// Run serves clients until ctx is done. When commands is true the stdin
// bridge runs alongside and its end of input stops the app.
func (a *App) Run(ctx context.Context, commands bool, stdin io.Reader) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return a.Server.Run(runCtx) })
	if commands {
		g.Go(func() error {
			defer cancel()
			return a.Bridge.Run(runCtx, stdin)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func provideLogger(cfg config.Config) *log.Logger {
	return log.NewWithConfig(cfg.Log)
}

func provideListener(cfg config.Config, logger log.Log) (protocol.Listener, func(), error) {
	l, err := transport.Listen(cfg.Transport, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func provideServer(cfg config.Config, consumer tracking.Consumer, listener protocol.Listener, logger log.Log) *server.Server {
	return server.New(cfg.Server, consumer, listener, logger)
}

func provideEditor(cfg config.Config, provider tracking.Provider, logger log.Log) *editor.Listener {
	return editor.NewListener(cfg.Editor, provider, logger)
}

func provideBridge(views bridge.Views, cfg config.Config, logger log.Log) *bridge.Bridge {
	return bridge.New(views, cfg.Transport.MaxFrameSize, logger)
}
