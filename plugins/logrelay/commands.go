package logrelay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "logchannel",
			Description: "show the log relay destination",
			Usage:       "/logchannel",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.cmdShow,
		},
		{
			Route:       "logchannel set",
			Description: "relay logs to a chat",
			Usage:       "/logchannel set <chat_id[:thread_id]>",
			Access:      plugin.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      p.cmdSet,
		},
		{
			Route:       "logchannel here",
			Description: "relay logs to this chat",
			Usage:       "/logchannel here",
			Access:      plugin.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      p.cmdHere,
		},
		{
			Route:       "logchannel clear",
			Description: "stop relaying logs",
			Usage:       "/logchannel clear",
			Access:      plugin.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      p.cmdClear,
		},
		{
			Route:       "logtest",
			Description: "emit a test error record",
			Usage:       "/logtest [text]",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.cmdTest,
		},
		{
			Route:       "logstats",
			Description: "show log relay counters",
			Usage:       "/logstats",
			Access:      plugin.AccessOwnerOnly,
			Handle: func(ctx context.Context, req *plugin.Request) error {
				return req.Reply(ctx, p.statsHTML())
			},
		},
	}
}

func (p *Plugin) cmdShow(ctx context.Context, req *plugin.Request) error {
	dest, ok := p.ns.Get(channelKey)
	if !ok {
		return req.Reply(ctx, "log relay is off. use <code>/logchannel set &lt;chat_id&gt;</code> or <code>/logchannel here</code>")
	}
	return req.Reply(ctx, "logs go to "+string(tgui.Code(dest)))
}

func (p *Plugin) cmdSet(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: "+string(tgui.Code("/logchannel set <chat_id[:thread_id]>")))
	}
	to, err := kit.ParseTarget(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "invalid destination: "+string(tgui.Esc(err.Error())))
	}
	return p.setChannel(ctx, req, to)
}

func (p *Plugin) cmdHere(ctx context.Context, req *plugin.Request) error {
	return p.setChannel(ctx, req, req.Chat)
}

func (p *Plugin) setChannel(ctx context.Context, req *plugin.Request, to kit.ChatTarget) error {
	if err := p.ns.Set(ctx, channelKey, to.String()); err != nil {
		_ = req.Reply(ctx, "could not save destination")
		return err
	}
	p.Log.Info("log relay destination set", logx.String("channel", to.String()), logx.Int64("by", req.FromID), logx.NoRelay())
	return req.Reply(ctx, "logs go to "+string(tgui.Code(to.String())))
}

func (p *Plugin) cmdClear(ctx context.Context, req *plugin.Request) error {
	if err := p.ns.Delete(ctx, channelKey); err != nil {
		_ = req.Reply(ctx, "could not clear destination")
		return err
	}
	p.Log.Info("log relay destination cleared", logx.Int64("by", req.FromID), logx.NoRelay())
	return req.Reply(ctx, "log relay is off")
}

func (p *Plugin) cmdTest(ctx context.Context, req *plugin.Request) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = "log relay test"
	}
	if _, ok := p.ns.Get(channelKey); !ok {
		return req.Reply(ctx, "no destination set")
	}
	p.Log.Error(text, logx.String("rid", req.ReqID), logx.Int64("from_id", req.FromID))
	return req.Reply(ctx, "test record emitted")
}

func (p *Plugin) statsHTML() string {
	st := p.sink.Stats()
	dest, ok := p.ns.Get(channelKey)
	if !ok {
		dest = "(none)"
	}
	rows := []tgui.H{
		tgui.B("log relay"),
		tgui.Esc("destination: ") + tgui.Code(dest),
		tgui.Esc("queued: " + humanize.Comma(int64(st.Queued)) + ", pending: " + humanize.Comma(int64(st.Pending))),
		tgui.Esc("sent: " + humanize.Comma(int64(st.Groups)) + " messages, " + humanize.Bytes(st.Bytes)),
		tgui.Esc("drains: " + humanize.Comma(int64(st.Drains)) + ", failures: " + humanize.Comma(int64(st.Failures))),
		tgui.Esc("skipped: " + humanize.Comma(int64(st.Skipped)) + ", re-entrant: " + humanize.Comma(int64(st.Nested))),
	}
	return tgui.JoinH("\n", rows...).String()
}

// postStats is the stats_cron job. It sends outside the sink queue.
func (p *Plugin) postStats() {
	dest, ok := p.ns.Get(channelKey)
	if !ok {
		return
	}
	to, err := kit.ParseTarget(dest)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(logx.SuppressRelay(context.Background()), p.sink.options().SendTimeout)
	defer cancel()
	_, err = p.Deps.Adapter.SendText(ctx, to, p.statsHTML(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil && !errors.Is(err, kit.ErrClosed) {
		p.Log.Warn("could not post log relay stats", logx.Err(err), logx.NoRelay())
	}
}
