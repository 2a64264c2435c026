package logrelay

import (
	"context"
	"fmt"
	"runtime/debug"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// drain delivers queued lines to `to` until the queue is empty.
//
// Delivery outlives the runtime's cancellation so an in-flight batch can
// finish during shutdown; each send is bounded by SendTimeout instead. Any
// record logged below this point carries the relay-suppressed marker.
func (s *Sink) drain(parent context.Context, to kit.ChatTarget) {
	ctx := logx.SuppressRelay(context.WithoutCancel(parent))
	log := s.log.Ctx(ctx)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Debug("log relay drain panicked", logx.Stack(string(debug.Stack())), logx.NoRelay())
		}
		if err != nil {
			s.q.abandon()
			s.c.failures.Add(1)
			log.Error("could not relay logs",
				logx.Err(err),
				logx.String("target", to.String()),
				logx.Int("pending", s.q.len()),
				logx.NoRelay(),
			)
		}
	}()

	for {
		opts := s.options()
		for g := range tgui.Chunk(s.q.items(), opts.Limits) {
			if err = s.limiter.Wait(ctx); err != nil {
				return
			}
			if err = s.send(ctx, to, g, opts); err != nil {
				return
			}
		}
		if !s.q.release() {
			return
		}
	}
}

func (s *Sink) send(ctx context.Context, to kit.ChatTarget, g tgui.Group, opts Options) error {
	files := make([]kit.Attachment, 0, len(g.Files))
	n := len(g.Body)
	for _, f := range g.Files {
		files = append(files, kit.Attachment{Name: f.Name, Data: f.Data})
		n += len(f.Data)
	}

	sctx, cancel := context.WithTimeout(ctx, opts.SendTimeout)
	defer cancel()
	if err := s.adapter.SendMessage(sctx, to, g.Body, files); err != nil {
		return err
	}
	s.c.groups.Add(1)
	s.c.bytes.Add(uint64(n))
	return nil
}
