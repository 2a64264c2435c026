package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"relaybot/internal/config"
	logx "relaybot/pkg/logx"
)

// Registrar receives the command set of the running plugins.
type Registrar interface {
	SetRegistry(ctx context.Context, cmds []Command)
}

const callTimeout = 10 * time.Second

type pluginState struct {
	inited  bool
	running bool
	rawHash uint64
	cancel  context.CancelFunc
}

// Host owns plugin lifecycles. Plugins are started in registration order and
// stopped in reverse.
type Host struct {
	mu sync.Mutex

	log   logx.Logger
	deps  Deps
	reg   Registrar
	order []string
	byKey map[string]Plugin
	state map[string]*pluginState

	finalizers []func()
	finalized  bool

	base       context.Context
	baseCancel context.CancelFunc
}

func NewHost(log logx.Logger, deps Deps, reg Registrar) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{
		log:   log.With(logx.Named("plugin.host")),
		deps:  deps,
		reg:   reg,
		byKey: map[string]Plugin{},
		state: map[string]*pluginState{},
	}
}

func (h *Host) Register(p ...Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pl := range p {
		name := pl.Name()
		if _, dup := h.byKey[name]; !dup {
			h.order = append(h.order, name)
		}
		h.byKey[name] = pl
		if h.state[name] == nil {
			h.state[name] = &pluginState{}
		}
	}
}

// StartAll binds plugin contexts to ctx and starts every enabled plugin.
func (h *Host) StartAll(ctx context.Context, cfg *Config) error {
	h.mu.Lock()
	if h.base == nil {
		h.base, h.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	h.mu.Unlock()
	return h.reconcile(ctx, cfg)
}

// OnConfigUpdate enables, disables and reconfigures plugins to match cfg.
func (h *Host) OnConfigUpdate(ctx context.Context, cfg *Config) {
	h.mu.Lock()
	h.deps.OwnerUserID = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	h.mu.Unlock()
	if err := h.reconcile(ctx, cfg); err != nil {
		h.log.Warn("plugin reconcile incomplete", logx.Err(err))
	}
}

// ValidateConfig runs plugin validators for enabled plugins. It does not
// touch running state.
func (h *Host) ValidateConfig(ctx context.Context, cfg *Config) error {
	for _, name := range h.names() {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		v, ok := h.plugin(name).(ConfigValidator)
		if !ok {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(vctx, raw.Config) })
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", name, err)
		}
	}
	return nil
}

// StopAll stops running plugins in reverse order, then runs finalizers.
func (h *Host) StopAll(ctx context.Context) {
	names := h.names()
	slices.Reverse(names)
	for _, name := range names {
		h.stopOne(ctx, name)
	}
	h.refresh(ctx)

	h.mu.Lock()
	fins := h.finalizers
	h.finalizers = nil
	h.finalized = true
	if h.baseCancel != nil {
		h.baseCancel()
	}
	h.mu.Unlock()

	for i := len(fins) - 1; i >= 0; i-- {
		_ = h.safeCall("plugin.finalize", func() error { fins[i](); return nil })
	}
}

// Running reports the names of running plugins in start order.
func (h *Host) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, name := range h.order {
		if h.state[name].running {
			out = append(out, name)
		}
	}
	return out
}

func (h *Host) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

func (h *Host) plugin(name string) Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byKey[name]
}

func (h *Host) finalize(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		h.log.Warn("finalizer registered after shutdown; ignored")
		return
	}
	h.finalizers = append(h.finalizers, fn)
}

func (h *Host) depsFor() Deps {
	h.mu.Lock()
	d := h.deps
	h.mu.Unlock()
	d.OwnerUserID = slices.Clone(d.OwnerUserID)
	d.Finalize = h.finalize
	return d
}

func (h *Host) reconcile(ctx context.Context, cfg *Config) error {
	var errs []error
	for _, name := range h.names() {
		p := h.plugin(name)
		raw, ok := cfg.Plugins[name]
		enabled := ok && raw.Enabled
		rawHash := config.CanonicalHashJSON(raw.Config)

		h.mu.Lock()
		st := *h.state[name]
		h.mu.Unlock()

		switch {
		case enabled && !st.running:
			if err := h.startOne(ctx, name, p, raw.Config, rawHash, st.inited); err != nil {
				h.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case enabled && st.running && st.rawHash != rawHash:
			if cp, ok := p.(ConfigurablePlugin); ok {
				cctx, cancel := context.WithTimeout(ctx, callTimeout)
				err := h.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
				cancel()
				if err != nil {
					h.log.Warn("plugin config change rejected", logx.String("plugin", name), logx.Err(err))
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				h.mu.Lock()
				h.state[name].rawHash = rawHash
				h.mu.Unlock()
				h.log.Info("plugin reconfigured", logx.String("plugin", name))
				continue
			}
			h.stopOne(ctx, name)
			if err := h.startOne(ctx, name, p, raw.Config, rawHash, true); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case !enabled && st.running:
			h.stopOne(ctx, name)
		}
	}
	h.refresh(ctx)
	return errors.Join(errs...)
}

func (h *Host) startOne(ctx context.Context, name string, p Plugin, raw json.RawMessage, rawHash uint64, inited bool) error {
	start := time.Now()
	if !inited {
		ictx, cancel := context.WithTimeout(ctx, callTimeout)
		deps := h.depsFor()
		err := h.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		cancel()
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		h.mu.Lock()
		h.state[name].inited = true
		h.mu.Unlock()
	}
	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := h.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw) })
		cancel()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	h.mu.Lock()
	base := h.base
	h.mu.Unlock()
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	pctx, cancel := context.WithCancel(base)
	if err := h.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		cancel()
		return fmt.Errorf("start: %w", err)
	}

	h.mu.Lock()
	st := h.state[name]
	st.running, st.rawHash, st.cancel = true, rawHash, cancel
	h.mu.Unlock()
	h.log.Info("plugin started", logx.String("plugin", name), logx.Duration("took", time.Since(start)))
	return nil
}

// startWithTimeout calls Start(pctx) with a deadline. On timeout pctx is
// canceled and Start gets a short grace period to return.
func (h *Host) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- h.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (h *Host) stopOne(ctx context.Context, name string) {
	h.mu.Lock()
	p := h.byKey[name]
	st := h.state[name]
	running, cancel := st.running, st.cancel
	h.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	// Stop must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		if err := h.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) }); err != nil {
			h.log.Warn("plugin stop error", logx.String("plugin", name), logx.Err(err))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}

	h.mu.Lock()
	st.running, st.cancel, st.rawHash = false, nil, 0
	h.mu.Unlock()
	h.log.Info("plugin stopped", logx.String("plugin", name), logx.Duration("took", time.Since(start)))
}

func (h *Host) refresh(ctx context.Context) {
	if h.reg == nil {
		return
	}
	var cmds []Command
	for _, name := range h.Running() {
		for _, c := range h.safeCommands(name, h.plugin(name)) {
			c.PluginName = name
			cmds = append(cmds, c)
		}
	}
	h.reg.SetRegistry(ctx, cmds)
}

func (h *Host) safeCommands(name string, p Plugin) (out []Command) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in plugin Commands()",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			out = nil
		}
	}()
	return p.Commands()
}

func (h *Host) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
