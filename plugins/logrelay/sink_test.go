package logrelay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

type sentMessage struct {
	to    kit.ChatTarget
	body  string
	files []kit.Attachment
}

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []sentMessage
	calls  int
	closed bool
	// onSend runs inside SendMessage; a non-nil error fails the send.
	onSend func(ctx context.Context) error
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, body: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, to kit.ChatTarget, body string, files []kit.Attachment) error {
	f.mu.Lock()
	f.calls++
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{to: to, body: body, files: files})
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeAdapter) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualRuntime records spawned tasks; the test runs them explicitly.
type manualRuntime struct {
	ctx   context.Context
	mu    sync.Mutex
	tasks []func(context.Context) error
}

func newManualRuntime() *manualRuntime { return &manualRuntime{ctx: context.Background()} }

func (r *manualRuntime) Context() context.Context { return r.ctx }

func (r *manualRuntime) Go(_ string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
}

func (r *manualRuntime) spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// runNext runs the oldest unrun task on the calling goroutine.
func (r *manualRuntime) runNext(t *testing.T, done *int) {
	t.Helper()
	r.mu.Lock()
	if *done >= len(r.tasks) {
		r.mu.Unlock()
		t.Fatalf("no task to run (ran %d of %d)", *done, len(r.tasks))
	}
	fn := r.tasks[*done]
	*done++
	r.mu.Unlock()
	_ = fn(r.ctx)
}

type mapDest map[string]string

func (m mapDest) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

var fastOpts = Options{RatePerSec: 1000, Burst: 100, SendTimeout: time.Second}

func newTestSink(dest mapDest) (*Sink, *fakeAdapter, *manualRuntime) {
	ad := &fakeAdapter{}
	rt := newManualRuntime()
	s := NewSink(logx.Nop(), ad, dest, fastOpts)
	s.SetRuntime(rt)
	return s, ad, rt
}

func rec(msg string) logx.Record {
	return logx.Record{Level: logx.LevelError, Logger: "test", Message: msg}
}

func TestSingleFlightUnderConcurrentPush(t *testing.T) {
	t.Parallel()
	s, _, rt := newTestSink(mapDest{channelKey: "-100"})

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Handle(rec("boom"))
		}()
	}
	wg.Wait()

	if got := rt.spawned(); got != 1 {
		t.Fatalf("spawned %d drains, want 1", got)
	}
	if got := s.q.len(); got != n {
		t.Fatalf("queued %d, want %d", got, n)
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100:9"})
	for _, m := range []string{"L1", "L2", "L3"} {
		s.Handle(rec(m))
	}
	ran := 0
	rt.runNext(t, &ran)

	var all strings.Builder
	for _, m := range ad.messages() {
		if m.to != (kit.ChatTarget{ChatID: -100, ThreadID: 9}) {
			t.Fatalf("sent to %+v", m.to)
		}
		all.WriteString(m.body)
	}
	got := all.String()
	i1, i2, i3 := strings.Index(got, "L1"), strings.Index(got, "L2"), strings.Index(got, "L3")
	if i1 < 0 || !(i1 < i2 && i2 < i3) {
		t.Fatalf("order lost: %q", got)
	}
	if s.q.busy() || s.q.len() != 0 {
		t.Fatalf("queue not idle after drain: busy=%v len=%d", s.q.busy(), s.q.len())
	}
}

func TestDrainPicksUpLinesPushedWhileSending(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	var once sync.Once
	ad.onSend = func(context.Context) error {
		once.Do(func() { s.Handle(rec("late")) })
		return nil
	}
	s.Handle(rec("early"))
	ran := 0
	rt.runNext(t, &ran)

	if rt.spawned() != 1 {
		t.Fatalf("spawned %d drains, want 1", rt.spawned())
	}
	msgs := ad.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].body, "late") {
		t.Fatalf("late line not delivered by the running drain: %+v", msgs)
	}
}

func TestSendFailureDoesNotReenter(t *testing.T) {
	t.Parallel()
	var console bytes.Buffer
	svc, root := logx.New(logx.Config{Level: "debug", Console: true}, logx.WithConsoleOutput(&console))
	t.Cleanup(func() { _ = svc.Close() })

	ad := &fakeAdapter{}
	ad.onSend = func(ctx context.Context) error {
		// Transports log through Ctx(ctx) while sending.
		root.Ctx(ctx).Error("telegram send failed", logx.String("comp", "telegram"))
		return errors.New("network down")
	}
	rt := newManualRuntime()
	s := NewSink(root.With(logx.Named(Name)), ad, mapDest{channelKey: "-100"}, fastOpts)
	s.SetRuntime(rt)
	svc.AddSink(s, logx.LevelError)

	root.Error("original failure")
	if s.q.len() != 1 || rt.spawned() != 1 {
		t.Fatalf("before drain: len=%d spawned=%d", s.q.len(), rt.spawned())
	}
	ran := 0
	rt.runNext(t, &ran)

	if got := s.q.len(); got != 0 {
		t.Fatalf("queue depth after failure = %d, want 0", got)
	}
	if got := rt.spawned(); got != 1 {
		t.Fatalf("failure re-triggered relay: spawned %d", got)
	}
	st := s.Stats()
	if st.Failures != 1 || st.Nested != 1 {
		t.Fatalf("stats = %+v, want 1 failure and 1 nested", st)
	}
	if !strings.Contains(console.String(), "could not relay logs") {
		t.Fatalf("failure not logged locally:\n%s", console.String())
	}
	if s.q.busy() {
		t.Fatal("queue still active after abandoned drain")
	}
}

func TestFailedDrainLeavesRestForNextSpawn(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	s.SetOptions(Options{RatePerSec: 1000, Burst: 100, SendTimeout: time.Second, Limits: tgui.Limits{MaxBody: 200}})
	fail := true
	ad.onSend = func(context.Context) error {
		if fail {
			fail = false
			return errors.New("flaky")
		}
		return nil
	}
	long := strings.Repeat("x", 120)
	for i := 0; i < 3; i++ {
		s.Handle(rec(long))
	}
	ran := 0
	rt.runNext(t, &ran)
	// The first group and the line pulled to close it are gone; the rest stays.
	left := s.q.len()
	if left == 0 || s.q.busy() {
		t.Fatalf("after failure: len=%d busy=%v", left, s.q.busy())
	}

	s.Handle(rec("next"))
	if rt.spawned() != 2 {
		t.Fatalf("spawned %d, want a fresh drain", rt.spawned())
	}
	rt.runNext(t, &ran)
	if s.q.len() != 0 || len(ad.messages()) == 0 {
		t.Fatalf("retry drain did not deliver: len=%d sent=%d", s.q.len(), len(ad.messages()))
	}
}

func TestInternalRecordsNeverQueued(t *testing.T) {
	t.Parallel()
	svc, root := logx.New(logx.Config{Level: "debug"}, logx.WithConsoleOutput(&bytes.Buffer{}))
	t.Cleanup(func() { _ = svc.Close() })
	s, _, rt := newTestSink(mapDest{channelKey: "-100"})
	svc.AddSink(s, logx.LevelDebug)

	root.Error("relay internals", logx.NoRelay())
	s.Handle(logx.Record{Level: logx.LevelError, Message: "x", Internal: true})
	s.Handle(logx.Record{Level: logx.LevelError, Message: "y", Nested: true})

	if s.q.len() != 0 || rt.spawned() != 0 {
		t.Fatalf("internal/nested record queued: len=%d spawned=%d", s.q.len(), rt.spawned())
	}
}

func TestChunkBoundaryThroughDrain(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	for _, c := range "abc" {
		s.Handle(logx.Record{Level: logx.LevelError, Logger: "t", Message: strings.Repeat(string(c), 860)})
	}
	ran := 0
	rt.runNext(t, &ran)

	msgs := ad.messages()
	if len(msgs) != 2 {
		t.Fatalf("groups = %d, want 2", len(msgs))
	}
	for i, m := range msgs {
		if len(m.files) != 0 {
			t.Fatalf("group %d has files", i)
		}
	}
	if !strings.Contains(msgs[0].body, "aaa") || !strings.Contains(msgs[0].body, "bbb") || strings.Contains(msgs[0].body, "ccc") {
		t.Fatalf("first body split wrong")
	}
	if !strings.Contains(msgs[1].body, strings.Repeat("c", 860)) {
		t.Fatalf("item split across bodies")
	}
}

func TestOversizedLineBecomesAttachment(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	s.Handle(rec(strings.Repeat("z", 5000)))
	ran := 0
	rt.runNext(t, &ran)

	msgs := ad.messages()
	if len(msgs) != 1 || msgs[0].body != "" || len(msgs[0].files) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].files[0].Name != "log.txt" || !bytes.Contains(msgs[0].files[0].Data, []byte("zzzz")) {
		t.Fatalf("file = %s", msgs[0].files[0].Name)
	}
}

func TestPushAfterDrainExitsSpawnsAgain(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	s.Handle(rec("first"))
	ran := 0
	rt.runNext(t, &ran)
	if s.q.busy() {
		t.Fatal("queue active after drain finished")
	}

	s.Handle(rec("second"))
	if rt.spawned() != 2 {
		t.Fatalf("spawned %d, want 2", rt.spawned())
	}
	rt.runNext(t, &ran)
	msgs := ad.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].body, "second") {
		t.Fatalf("second line not delivered: %+v", msgs)
	}
}

func TestSkipFilters(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		dest  mapDest
		setup func(s *Sink, ad *fakeAdapter)
	}{
		{name: "no destination", dest: mapDest{}},
		{name: "bad destination", dest: mapDest{channelKey: "not-a-chat"}},
		{name: "zero chat", dest: mapDest{channelKey: "0"}},
		{name: "no runtime", dest: mapDest{channelKey: "-1"}, setup: func(s *Sink, _ *fakeAdapter) { s.SetRuntime(nil) }},
		{name: "closed adapter", dest: mapDest{channelKey: "-1"}, setup: func(_ *Sink, ad *fakeAdapter) { ad.closed = true }},
		{name: "runtime done", dest: mapDest{channelKey: "-1"}, setup: func(s *Sink, _ *fakeAdapter) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s.SetRuntime(&manualRuntime{ctx: ctx})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, ad, rt := newTestSink(tc.dest)
			if tc.setup != nil {
				tc.setup(s, ad)
			}
			for i := 0; i < 50; i++ {
				s.Handle(rec("dropped"))
			}
			if s.q.len() != 0 || rt.spawned() != 0 || ad.sendCalls() != 0 {
				t.Fatalf("len=%d spawned=%d calls=%d", s.q.len(), rt.spawned(), ad.sendCalls())
			}
			if s.Stats().Skipped != 50 {
				t.Fatalf("skipped = %d", s.Stats().Skipped)
			}
		})
	}
}

func TestWaitReturnsWhenDrainsFinish(t *testing.T) {
	t.Parallel()
	s, _, rt := newTestSink(mapDest{channelKey: "-100"})
	s.Handle(rec("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with pending drain = %v", err)
	}
	ran := 0
	rt.runNext(t, &ran)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after drain = %v", err)
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()
	got := formatRecord(logx.Record{
		Level:   logx.LevelError,
		Logger:  "storage",
		Message: "disk full",
		Err:     "ENOSPC",
		Fields:  map[string]any{"path": "/var", "free": 0},
	})
	want := "storage ERROR: disk full\nfree=0\npath=/var\nerr=ENOSPC"
	if got != want {
		t.Fatalf("formatRecord =\n%q\nwant\n%q", got, want)
	}
	if got := formatRecord(logx.Record{Level: logx.LevelWarn, Message: "m"}); got != "root WARN: m" {
		t.Fatalf("no logger: %q", got)
	}
}

func TestSpawnRefusedOnceRuntimeCleared(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})

	// Handle loaded rt, then Stop cleared it before the drain was spawned.
	if !s.q.push(formatRecord(rec("L1"))) {
		t.Fatal("push on idle queue did not ask for a drain")
	}
	s.SetRuntime(nil)
	s.spawn(rt, kit.ChatTarget{ChatID: -100})

	if rt.spawned() != 0 {
		t.Fatalf("drain spawned on a cleared runtime")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v, want no drains in flight", err)
	}
	if s.q.busy() || s.q.len() != 1 {
		t.Fatalf("busy=%v len=%d, want idle queue holding the line", s.q.busy(), s.q.len())
	}

	s.SetRuntime(rt)
	s.Handle(rec("L2"))
	ran := 0
	rt.runNext(t, &ran)
	msgs := ad.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if i1, i2 := strings.Index(msgs[0].body, "L1"), strings.Index(msgs[0].body, "L2"); i1 < 0 || i1 > i2 {
		t.Fatalf("body = %q", msgs[0].body)
	}
}

func TestOversizedLineKeepsQueueOrder(t *testing.T) {
	t.Parallel()
	s, ad, rt := newTestSink(mapDest{channelKey: "-100"})
	s.Handle(rec("L1"))
	s.Handle(rec("L2" + strings.Repeat("z", 3000)))
	s.Handle(rec("L3"))
	s.Handle(rec("L4" + strings.Repeat("z", 3000)))
	ran := 0
	rt.runNext(t, &ran)

	// Adapters send the body first, then the files.
	var order []string
	for _, m := range ad.messages() {
		for _, l := range []string{"L1", "L3"} {
			if strings.Contains(m.body, l) {
				order = append(order, l)
			}
		}
		for _, f := range m.files {
			order = append(order, string(f.Data[:len("test ERROR: L2")])+"@"+f.Name)
		}
	}
	want := []string{"L1", "test ERROR: L2@log.txt", "L3", "test ERROR: L4@log.txt"}
	if strings.Join(order, "|") != strings.Join(want, "|") {
		t.Fatalf("delivery order = %q, want %q", order, want)
	}
}
