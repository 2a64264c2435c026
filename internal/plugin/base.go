package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Base is embedded by plugins for the common wiring.
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	name string
}

// InitBase wires deps and a plugin-scoped logger.
func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.Named(name), logx.String("plugin", name))
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase cancels the runner and waits, bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Audit appends e to the audit trail. It is best-effort and a no-op when
// storage is disabled.
func (b *Base) Audit(ctx context.Context, e storage.AuditEntry) {
	if b.Deps.Store == nil {
		return
	}
	if e.Plugin == "" {
		e.Plugin = b.name
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := b.Deps.Store.AppendAudit(ctx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		b.Log.Debug("audit append failed", logx.Err(err))
	}
}

// DecodeConfig decodes a per-plugin raw blob on top of def.
func DecodeConfig[T any](raw json.RawMessage, def T) (T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	out := def
	if err := json.Unmarshal(raw, &out); err != nil {
		return def, err
	}
	return out, nil
}
