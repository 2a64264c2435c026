package logrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()
	st, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if st.level != logx.LevelError || st.opts.SendTimeout != 30*time.Second || st.opts.RatePerSec != 1 || st.opts.Burst != 5 {
		t.Fatalf("defaults = %+v", st)
	}

	st, err = parseConfig(json.RawMessage(`{"min_level":"warn","send_timeout":"5s","max_body":500,"stats_cron":"@hourly"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.level != logx.LevelWarn || st.opts.SendTimeout != 5*time.Second || st.opts.Limits.MaxBody != 500 || st.statsCron != "@hourly" {
		t.Fatalf("parsed = %+v", st)
	}

	for _, bad := range []string{
		`{"send_timeout":"soon"}`,
		`{"max_files":11}`,
		`{"burst":-1}`,
		`{"stats_cron":"every tuesday"}`,
		`{"min_level":`,
	} {
		if _, err := parseConfig(json.RawMessage(bad)); err == nil {
			t.Fatalf("parseConfig(%s) accepted", bad)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPluginLifecycle(t *testing.T) {
	t.Parallel()
	svc, root := logx.New(logx.Config{Level: "debug", Console: true}, logx.WithConsoleOutput(&bytes.Buffer{}))
	t.Cleanup(func() { _ = svc.Close() })

	ad := &fakeAdapter{}
	var finalizers []func()
	deps := plugin.Deps{
		Logger:   root,
		Logs:     svc,
		Adapter:  ad,
		Finalize: func(fn func()) { finalizers = append(finalizers, fn) },
	}

	ctx := context.Background()
	p := New()
	if err := p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(finalizers) != 1 {
		t.Fatalf("finalizers = %d, want 1", len(finalizers))
	}
	if err := p.OnConfigChange(ctx, json.RawMessage(`{"rate_per_sec":100,"burst":10}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	root.Error("before channel")
	if ad.sendCalls() != 0 {
		t.Fatal("relayed without a destination")
	}

	req := &plugin.Request{Chat: kit.ChatTarget{ChatID: -100, ThreadID: 4}, FromID: 1, Adapter: ad, Args: nil}
	if err := p.cmdHere(ctx, req); err != nil {
		t.Fatalf("cmdHere: %v", err)
	}
	if v, _ := p.ns.Get(channelKey); v != "-100:4" {
		t.Fatalf("channel = %q", v)
	}

	root.With(logx.String("comp", "db")).Error("connection lost")
	root.Warn("below min level")
	waitFor(t, func() bool { return len(ad.messages()) == 2 })
	body := ad.messages()[1].body // [0] is the cmdHere reply
	if !strings.Contains(body, "db ERROR: connection lost") || strings.Contains(body, "below min level") {
		t.Fatalf("body = %q", body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	root.Error("after stop")
	for i := len(finalizers) - 1; i >= 0; i-- {
		finalizers[i]()
	}
	root.Error("after finalize")
	time.Sleep(20 * time.Millisecond)
	if ad.sendCalls() != 1 {
		t.Fatalf("relayed after stop: %d calls", ad.sendCalls())
	}
}

func TestSetCommandValidates(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{Adapter: &fakeAdapter{}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ad := &fakeAdapter{}
	req := &plugin.Request{Chat: kit.ChatTarget{ChatID: 5}, Adapter: ad, Args: []string{"abc"}}
	if err := p.cmdSet(context.Background(), req); err != nil {
		t.Fatalf("cmdSet: %v", err)
	}
	if _, ok := p.ns.Get(channelKey); ok {
		t.Fatal("invalid destination stored")
	}
	if msgs := ad.messages(); len(msgs) != 1 || !strings.Contains(msgs[0].body, "invalid destination") {
		t.Fatalf("reply = %+v", msgs)
	}

	req.Args = []string{"-100200:3"}
	if err := p.cmdSet(context.Background(), req); err != nil {
		t.Fatalf("cmdSet: %v", err)
	}
	if v, _ := p.ns.Get(channelKey); v != "-100200:3" {
		t.Fatalf("channel = %q", v)
	}
	if err := p.cmdClear(context.Background(), req); err != nil {
		t.Fatalf("cmdClear: %v", err)
	}
	if _, ok := p.ns.Get(channelKey); ok {
		t.Fatal("channel not cleared")
	}
	if !strings.Contains(p.statsHTML(), "(none)") {
		t.Fatalf("stats = %s", p.statsHTML())
	}
}

func TestStatsCronFollowsStartState(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{Adapter: &fakeAdapter{}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cronRunning := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.cron != nil
	}

	ctx := context.Background()
	if err := p.OnConfigChange(ctx, json.RawMessage(`{"stats_cron":"@hourly"}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if cronRunning() {
		t.Fatal("stats cron started before Start")
	}

	// Reloads racing Start must see a consistent started flag.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = p.OnConfigChange(ctx, json.RawMessage(`{"stats_cron":"@hourly"}`))
		}
	}()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-done
	if !cronRunning() {
		t.Fatal("stats cron not running after Start")
	}

	if err := p.OnConfigChange(ctx, json.RawMessage(`{"stats_cron":""}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if cronRunning() {
		t.Fatal("stats cron still running after it was disabled")
	}
	if err := p.OnConfigChange(ctx, json.RawMessage(`{"stats_cron":"@daily"}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if !cronRunning() {
		t.Fatal("stats cron not restarted while running")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if cronRunning() {
		t.Fatal("stats cron running after Stop")
	}
}
