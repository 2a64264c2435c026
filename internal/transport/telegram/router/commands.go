package router

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "logchannel set".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // 0 = no per-command deadline
	Handle     HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched route tokens
	Command string
	Args    []string // remaining whitespace-split tokens
	Text    string   // text after the route, formatting kept
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends HTML text back to where the request came from.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Dispatcher routes incoming messages to registered commands and runs them
// on a bounded worker pool.
type Dispatcher struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store // optional; owner-only commands are audited

	jobs chan func()
}

func NewDispatcher(log logx.Logger, adapter kit.Adapter, store storage.Store, owners []int64) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		store:   store,
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (d *Dispatcher) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	d.mu.Lock()
	d.owners = cp
	d.mu.Unlock()
}

func (d *Dispatcher) isOwner(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, o := range d.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry replaces the command set. A "help" command is always added.
func (d *Dispatcher) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, d.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		// Multi-word routes also get a flat Telegram-safe alias: "logchannel set" -> logchannel_set.
		if len(route) > 1 {
			if a := sanitizeTelegramCommand(strings.Join(route, "_")); a != "" {
				alias[a] = leaf
			}
		}
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				alias[a] = leaf
			}
		}
	}

	d.mu.Lock()
	d.root = root
	d.alias = alias
	d.mu.Unlock()

	if up, ok := d.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(mctx, menuCommands(root)); err != nil {
			d.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

func menuCommands(root *cmdNode) []kit.BotCommand {
	var out []kit.BotCommand
	for _, name := range root.childNames() {
		n := root.children[name]
		desc := name
		if n.cmd != nil && n.cmd.Description != "" {
			desc = n.cmd.Description
		}
		if cmd := sanitizeTelegramCommand(name); cmd != "" {
			out = append(out, kit.BotCommand{Command: cmd, Description: desc})
		}
	}
	return out
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(d.log.With(logx.String("comp", "telegram.router"))))
	d.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(d.jobs)))

	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-d.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		d.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if req, final := d.route(ctx, up); req != nil {
				select {
				case d.jobs <- func() { _ = final(ctx, req) }:
				default:
					_ = req.Reply(ctx, "busy, try again")
				}
			}
		}
	}
}

// route resolves up to a request and its wrapped handler. It answers
// unknown and unauthorized commands itself and returns nil for them.
func (d *Dispatcher) route(ctx context.Context, up kit.Update) (*Request, HandlerFunc) {
	msg := up.Message
	if msg == nil {
		return nil, nil
	}
	word, ok := commandWord(msg.Text)
	if !ok {
		return nil, nil
	}
	to := msg.Target()
	args := strings.Fields(msg.Text)[1:]

	d.mu.RLock()
	root, alias := d.root, d.alias
	d.mu.RUnlock()

	var (
		cur  *cmdNode
		path []string
	)
	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		cur, path = leaf, splitRoute(leaf.cmd.Route)
	} else if n, ok := root.child(word); ok {
		cur, path = n, []string{word}
		for len(args) > 0 {
			next, ok := cur.child(args[0])
			if !ok {
				break
			}
			cur, path, args = next, append(path, args[0]), args[1:]
		}
	} else {
		_, _ = d.adapter.SendText(ctx, to, "unknown command. try /help", nil)
		return nil, nil
	}

	if cur.cmd == nil {
		_, _ = d.adapter.SendText(ctx, to, d.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return nil, nil
	}
	cmd := *cur.cmd
	if cmd.Access == AccessOwnerOnly && !d.isOwner(msg.FromID) {
		_, _ = d.adapter.SendText(ctx, to, "unauthorized", nil)
		return nil, nil
	}

	// The text after an alias is everything after the first word.
	consumed := len(path)
	if _, viaAlias := alias[word]; viaAlias {
		consumed = 1
	}
	rid := uuid.NewString()
	req := &Request{
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Path:    path,
		Command: cmd.Route,
		Args:    args,
		Text:    cutWords(msg.Text, consumed),
		ReqID:   rid,
		Adapter: d.adapter,
		Logger: d.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	mws := []Middleware{MWPanicRecover(d.log), MWRequestLog(d.log)}
	if cmd.Access == AccessOwnerOnly && d.store != nil {
		mws = append(mws, MWAudit(d.store, cmd.PluginName))
	}
	mws = append(mws, MWTimeout(cmd.Timeout))
	return req, Chain(cmd.Handle, mws...)
}
