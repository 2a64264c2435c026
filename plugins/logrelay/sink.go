package logrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// channelKey holds the destination ("chat" or "chat:thread") in the
// plugin's KV namespace.
const channelKey = "channel"

// Runtime spawns drain tasks. *supervisor.Supervisor satisfies it.
type Runtime interface {
	Go(name string, fn func(ctx context.Context) error)
	Context() context.Context
}

// Destination reads the configured destination. *kv.Namespace satisfies it.
type Destination interface {
	Get(key string) (string, bool)
}

type Options struct {
	Limits      tgui.Limits
	SendTimeout time.Duration
	RatePerSec  float64
	Burst       int
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 1
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	return o
}

// Stats are cumulative relay counters.
type Stats struct {
	Queued   uint64 // lines pushed
	Skipped  uint64 // records dropped by a filter before formatting
	Nested   uint64 // records dropped as relay re-entry
	Drains   uint64 // drain tasks spawned
	Groups   uint64 // messages delivered
	Bytes    uint64 // body and attachment bytes delivered
	Failures uint64 // drains ended by an error
	Pending  int    // lines waiting right now
}

type counters struct {
	queued, skipped, nested, drains, groups, bytes, failures atomic.Uint64
}

type rtBox struct{ rt Runtime }

// Sink relays log records to a chat. Handle never blocks beyond a queue push.
type Sink struct {
	log     logx.Logger
	adapter kit.Adapter
	dest    Destination

	q       queue
	c       counters
	rt      atomic.Pointer[rtBox]
	opts    atomic.Pointer[Options]
	limiter *rate.Limiter
	drains  inflight
}

var _ logx.Sink = (*Sink)(nil)

func NewSink(log logx.Logger, adapter kit.Adapter, dest Destination, opts Options) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	s := &Sink{
		log:     log,
		adapter: adapter,
		dest:    dest,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
	s.opts.Store(&opts)
	return s
}

// SetRuntime installs the runtime drains are spawned on. nil disables relay.
// Once it returns, no drain is admitted on the previous runtime, so a
// following Wait covers every drain started on it.
func (s *Sink) SetRuntime(rt Runtime) {
	var b *rtBox
	if rt != nil {
		b = &rtBox{rt: rt}
	}
	s.drains.mu.Lock()
	s.rt.Store(b)
	s.drains.mu.Unlock()
}

func (s *Sink) runtime() Runtime {
	if b := s.rt.Load(); b != nil {
		return b.rt
	}
	return nil
}

// SetOptions applies new limits to future drain passes.
func (s *Sink) SetOptions(opts Options) {
	opts = opts.withDefaults()
	s.opts.Store(&opts)
	s.limiter.SetLimit(rate.Limit(opts.RatePerSec))
	s.limiter.SetBurst(opts.Burst)
}

func (s *Sink) options() Options { return *s.opts.Load() }

func (s *Sink) Stats() Stats {
	return Stats{
		Queued:   s.c.queued.Load(),
		Skipped:  s.c.skipped.Load(),
		Nested:   s.c.nested.Load(),
		Drains:   s.c.drains.Load(),
		Groups:   s.c.groups.Load(),
		Bytes:    s.c.bytes.Load(),
		Failures: s.c.failures.Load(),
		Pending:  s.q.len(),
	}
}

// Handle filters, formats and enqueues rec.
func (s *Sink) Handle(rec logx.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("log relay sink failed", logx.Any("panic", r), logx.NoRelay())
		}
	}()

	if rec.Internal {
		return
	}
	rt := s.runtime()
	if rt == nil || rt.Context().Err() != nil {
		s.c.skipped.Add(1)
		return
	}
	raw, ok := s.dest.Get(channelKey)
	if !ok {
		s.c.skipped.Add(1)
		return
	}
	to, err := kit.ParseTarget(raw)
	if err != nil {
		s.c.skipped.Add(1)
		return
	}
	if s.adapter == nil || s.adapter.Closed() {
		s.c.skipped.Add(1)
		return
	}

	line := formatRecord(rec)
	if rec.Nested {
		s.c.nested.Add(1)
		return
	}

	s.c.queued.Add(1)
	if s.q.push(line) {
		s.spawn(rt, to)
	}
}

// spawn starts a drain on rt unless rt was replaced since Handle loaded it.
// A refused drain leaves its lines queued for the next spawn.
func (s *Sink) spawn(rt Runtime, to kit.ChatTarget) {
	if !s.drains.admit(func() bool { return s.runtime() == rt }) {
		s.q.abandon()
		return
	}
	s.c.drains.Add(1)
	rt.Go("logrelay.drain", func(ctx context.Context) error {
		defer s.drains.done()
		s.drain(ctx, to)
		return nil
	})
}

// Wait blocks until in-flight drains finish or ctx ends.
func (s *Sink) Wait(ctx context.Context) error { return s.drains.wait(ctx) }

// inflight counts running drains. Unlike sync.WaitGroup it may be waited on
// while new drains are still being added.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// admit counts a new drain if ok reports true under the lock.
func (f *inflight) admit(ok func() bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok() {
		return false
	}
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	return true
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
