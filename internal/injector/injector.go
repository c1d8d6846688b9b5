//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/tokamak/kantan/internal/bridge"
	"github.com/tokamak/kantan/internal/config"
	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/tracking"
	"github.com/tokamak/kantan/internal/editor"
)

var trackerSet = wire.NewSet(
	provideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	tracking.NewRegistry,
	wire.Bind(new(tracking.Provider), new(*tracking.Registry)),
	wire.Bind(new(tracking.Consumer), new(*tracking.Registry)),
	provideListener,
	provideServer,
	provideEditor,
	wire.Bind(new(bridge.Views), new(*editor.Listener)),
	provideBridge,
	wire.Struct(new(App), "*"),
)

func InitializeApp(cfg config.Config) (*App, func(), error) {
	wire.Build(trackerSet)
	return nil, nil, nil
}
