// Package exec runs owner-supplied shell snippets and replies with their
// output, rendered with pkg/tgui: short outputs inline, long ones as files.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	osexec "os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const Name = "exec"

type Config struct {
	Shell     string `json:"shell"`
	Timeout   string `json:"timeout"`
	MaxOutput int    `json:"max_output"` // bytes kept per snippet
}

func defaultConfig() Config {
	return Config{Shell: "/bin/sh", Timeout: "30s", MaxOutput: 1 << 20}
}

type settings struct {
	shell     string
	timeout   time.Duration
	maxOutput int
}

func parseConfig(raw json.RawMessage) (settings, error) {
	c, err := plugin.DecodeConfig(raw, defaultConfig())
	if err != nil {
		return settings{}, fmt.Errorf("decode: %w", err)
	}
	timeout, err := config.ParseDurationOrDefault("timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return settings{}, err
	}
	shell := strings.TrimSpace(c.Shell)
	if shell == "" {
		shell = "/bin/sh"
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = 1 << 20
	}
	return settings{shell: shell, timeout: timeout, maxOutput: c.MaxOutput}, nil
}

type Plugin struct {
	plugin.Base

	mu  sync.Mutex
	set settings
}

func New() *Plugin {
	st, _ := parseConfig(nil)
	return &Plugin{set: st}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
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
	p.set = st
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return p.StopBase(ctx) }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{{
		Route:       "exec",
		Aliases:     []string{"eval"},
		Description: "run shell snippets",
		Usage:       "/exec <code> | /exec ```code``` ...",
		Access:      plugin.AccessOwnerOnly,
		Handle:      p.handle,
	}}
}

func (p *Plugin) current() settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

func (p *Plugin) handle(ctx context.Context, req *plugin.Request) error {
	snippets := extractSnippets(req.Text)
	if len(snippets) == 0 {
		return req.Reply(ctx, "usage: "+string(tgui.Code("/exec <code>")))
	}
	st := p.current()

	items := make([]tgui.Item, 0, len(snippets))
	for i, code := range snippets {
		out := p.run(ctx, st, code)
		items = append(items, tgui.Item{
			Text:     out,
			Language: "sh",
			Filename: "output" + strconv.Itoa(i+1) + ".txt",
		})
	}
	req.Logger.Info("exec finished", logx.Int("snippets", len(snippets)))

	for g := range tgui.Chunk(slices.Values(items), tgui.Limits{}) {
		files := make([]kit.Attachment, 0, len(g.Files))
		for _, f := range g.Files {
			files = append(files, kit.Attachment{Name: f.Name, Data: f.Data})
		}
		if err := req.Adapter.SendMessage(ctx, req.Chat, g.Body, files); err != nil {
			return fmt.Errorf("send output: %w", err)
		}
	}
	return nil
}

// run executes code with the configured shell. Failures are reported in
// the returned output, not as an error.
func (p *Plugin) run(ctx context.Context, st settings, code string) string {
	rctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	cmd := osexec.CommandContext(rctx, st.shell, "-c", code)
	var buf limitedBuffer
	buf.max = st.maxOutput
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = time.Second
	err := cmd.Run()

	out := buf.String()
	switch {
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		out += fmt.Sprintf("\n[timed out after %s]", st.timeout)
	case err != nil:
		var ee *osexec.ExitError
		if errors.As(err, &ee) {
			out += fmt.Sprintf("\n[exit status %d]", ee.ExitCode())
		} else {
			out += "\n[" + err.Error() + "]"
		}
	}
	return strings.TrimLeft(out, "\n")
}

var snippetRE = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_+-]*\\n)?(.*?)```|`([^`\\n]+)`")

// extractSnippets returns fenced and inline code spans in order. Text with
// no code spans is one snippet.
func extractSnippets(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, m := range snippetRE.FindAllStringSubmatch(text, -1) {
		code := m[1]
		if code == "" {
			code = m[2]
		}
		if code = strings.TrimSpace(code); code != "" {
			out = append(out, code)
		}
	}
	if len(out) == 0 && !strings.Contains(text, "`") {
		out = append(out, text)
	}
	return out
}

// limitedBuffer keeps the first max bytes written and counts the rest.
type limitedBuffer struct {
	bytes.Buffer
	max     int
	dropped int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.Len()
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.dropped += len(p) - room
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.dropped == 0 {
		return b.Buffer.String()
	}
	return b.Buffer.String() + fmt.Sprintf("\n[%d bytes truncated]", b.dropped)
}
