// Package logrelay forwards application log records to a Telegram chat.
//
// The plugin registers a logx sink at Init. Records that pass the sink's
// filters are formatted into lines and queued; a single drain task per queue
// batches them with tgui.Chunk and sends them through the transport adapter.
// Relay failures are logged with logx.NoRelay so they never loop back.
package logrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/config"
	"relaybot/internal/kv"
	"relaybot/internal/plugin"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const Name = "logrelay"

type Config struct {
	MinLevel    string  `json:"min_level"`
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst"`
	SendTimeout string  `json:"send_timeout"`
	MaxBody     int     `json:"max_body"`
	MaxFiles    int     `json:"max_files"`
	// StatsCron posts /logstats output to the destination on a 5-field cron
	// schedule. Empty disables it.
	StatsCron string `json:"stats_cron"`
}

func defaultConfig() Config {
	return Config{MinLevel: "error", RatePerSec: 1, Burst: 5, SendTimeout: "30s"}
}

type settings struct {
	level     logx.Level
	opts      Options
	statsCron string
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseConfig(raw json.RawMessage) (settings, error) {
	c, err := plugin.DecodeConfig(raw, defaultConfig())
	if err != nil {
		return settings{}, fmt.Errorf("decode: %w", err)
	}
	var st settings
	st.level = logx.ParseLevel(c.MinLevel, logx.LevelError)
	if c.RatePerSec < 0 || c.Burst < 0 || c.MaxBody < 0 || c.MaxFiles < 0 {
		return settings{}, errors.New("rate_per_sec, burst, max_body and max_files must not be negative")
	}
	if c.MaxFiles > tgui.MaxFiles {
		return settings{}, fmt.Errorf("max_files must be at most %d", tgui.MaxFiles)
	}
	timeout, err := config.ParseDurationOrDefault("send_timeout", c.SendTimeout, 30*time.Second)
	if err != nil {
		return settings{}, err
	}
	st.opts = Options{
		Limits:      tgui.Limits{MaxBody: c.MaxBody, MaxFiles: c.MaxFiles},
		SendTimeout: timeout,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
	}
	st.statsCron = strings.TrimSpace(c.StatsCron)
	if st.statsCron != "" {
		if _, err := cronParser.Parse(st.statsCron); err != nil {
			return settings{}, fmt.Errorf("stats_cron: %w", err)
		}
	}
	return st, nil
}

type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	set     settings
	started bool
	ns      *kv.Namespace
	sink    *Sink
	cron    *cron.Cron
}

func New() *Plugin { return &Plugin{set: settings{level: logx.LevelError}} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	ns, err := kv.Load(ctx, deps.Store, Name)
	if err != nil {
		return fmt.Errorf("load %s settings: %w", Name, err)
	}
	p.ns = ns
	p.sink = NewSink(p.Log, deps.Adapter, ns, p.set.opts)

	if deps.Logs != nil {
		deps.Logs.AddSink(p.sink, p.set.level)
		sink := p.sink
		if deps.Finalize != nil {
			deps.Finalize(func() { deps.Logs.RemoveSink(sink) })
		}
	}
	if dest, ok := ns.Get(channelKey); ok {
		p.Log.Info("log relay ready", logx.String("channel", dest), logx.NoRelay())
	} else {
		p.Log.Info("log relay ready; no channel set", logx.NoRelay())
	}
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	st, err := parseConfig(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.set
	p.set = st
	running := p.started
	p.mu.Unlock()

	p.sink.SetOptions(st.opts)
	if st.level != prev.level && p.Deps.Logs != nil {
		p.Deps.Logs.AddSink(p.sink, st.level)
	}
	if running && st.statsCron != prev.statsCron {
		p.restartCron(st.statsCron)
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.sink.SetRuntime(p.Runner)

	p.mu.Lock()
	p.started = true
	spec := p.set.statsCron
	p.mu.Unlock()
	p.restartCron(spec)
	return nil
}

// Stop lets in-flight drains finish (bounded by ctx) before cancelling the
// runtime. No new drains are spawned once Stop begins.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	p.sink.SetRuntime(nil)
	if err := p.sink.Wait(ctx); err != nil {
		p.Log.Warn("log relay drain still running at stop", logx.Err(err), logx.NoRelay())
	}
	p.restartCron("")
	return p.StopBase(ctx)
}

func (p *Plugin) restartCron(spec string) {
	p.mu.Lock()
	old := p.cron
	p.cron = nil
	p.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	if spec == "" {
		return
	}

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(spec, p.postStats); err != nil {
		p.Log.Warn("stats schedule rejected", logx.String("spec", spec), logx.Err(err), logx.NoRelay())
		return
	}
	c.Start()
	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
}
