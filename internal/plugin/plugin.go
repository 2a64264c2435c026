package plugin

import (
	"context"
	"encoding/json"

	"relaybot/internal/config"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

type Plugin interface {
	Name() string
	// Init is called once per process, before the first Start.
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// ConfigurablePlugin receives its plugins.<name>.config blob before Start
// and whenever it changes while running.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before a
// reload is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

type Deps struct {
	Logger      logx.Logger
	Logs        logx.Registry
	Adapter     kit.Adapter
	Store       storage.Store // nil when storage is disabled
	OwnerUserID []int64

	// Finalize registers fn to run once at host shutdown, after every plugin
	// has stopped. Finalizers run in reverse registration order.
	Finalize func(fn func())
}

type (
	Config          = config.Config
	PluginConfigRaw = config.PluginConfigRaw

	Access      = router.Access
	Command     = router.Command
	Request     = router.Request
	HandlerFunc = router.HandlerFunc
)

const (
	AccessEveryone  = router.AccessEveryone
	AccessOwnerOnly = router.AccessOwnerOnly
)
