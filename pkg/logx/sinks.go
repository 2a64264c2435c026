package logx

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Field names with special meaning for sinks.
const (
	// LoggerFieldName names the emitting component. Falls back to "comp",
	// then "plugin" when absent.
	LoggerFieldName = "logger"
	// NoRelayFieldName marks a record that must never be relayed.
	NoRelayFieldName = "no_relay"
	// NestedFieldName marks a record emitted from a relay-suppressed context.
	NestedFieldName = "in_relay"
)

// NoRelay marks the record as internal: sinks must not forward it.
// Use it for failures of the forwarding path itself.
func NoRelay() Field { return Bool(NoRelayFieldName, true) }

// Record is a decoded log event as seen by sinks.
// It is a private copy; sinks may retain it.
type Record struct {
	Time    time.Time
	Level   Level
	Logger  string
	Message string
	Caller  string
	Err     string
	Stack   string
	// Fields holds every other key in the event.
	Fields map[string]any

	// Internal is the explicit opt-out (NoRelay()).
	Internal bool
	// Nested is set when the emitting logger was bound to a context marked
	// with SuppressRelay.
	Nested bool
}

// Sink observes log records. Handle is called synchronously on the logging
// goroutine and must not block.
type Sink interface {
	Handle(rec Record)
}

// Registry is the process-wide sink registration point.
type Registry interface {
	AddSink(s Sink, min Level)
	RemoveSink(s Sink)
}

var _ Registry = (*Service)(nil)

// AddSink registers s for records at or above min. Adding the same sink twice
// updates its level.
func (s *Service) AddSink(sink Sink, min Level) { s.sinks.add(sink, min) }

// RemoveSink deregisters s. Records already being dispatched may still reach it.
func (s *Service) RemoveSink(sink Sink) { s.sinks.remove(sink) }

type sinkEntry struct {
	sink Sink
	min  Level
}

// sinkSet is copy-on-write: writers load a snapshot and never hold a lock
// while calling into sinks, so a sink may log from inside Handle.
type sinkSet struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]sinkEntry]
}

func (ss *sinkSet) load() []sinkEntry {
	p := ss.snap.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (ss *sinkSet) add(sink Sink, min Level) {
	if sink == nil {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cur := ss.load()
	next := make([]sinkEntry, 0, len(cur)+1)
	for _, e := range cur {
		if e.sink != sink {
			next = append(next, e)
		}
	}
	next = append(next, sinkEntry{sink: sink, min: min})
	ss.snap.Store(&next)
}

func (ss *sinkSet) remove(sink Sink) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cur := ss.load()
	next := make([]sinkEntry, 0, len(cur))
	for _, e := range cur {
		if e.sink != sink {
			next = append(next, e)
		}
	}
	ss.snap.Store(&next)
}

// ---- sink writer (zerolog sink) ----

type sinkWriter struct{ set *sinkSet }

func (w *sinkWriter) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	entries := w.set.load()
	if len(entries) == 0 {
		return len(p), nil
	}
	wanted := false
	for _, e := range entries {
		if level >= e.min {
			wanted = true
			break
		}
	}
	if !wanted {
		return len(p), nil
	}

	rec, ok := decodeRecord(level, p)
	if !ok {
		return len(p), nil
	}
	for _, e := range entries {
		if level < e.min {
			continue
		}
		e.sink.Handle(rec)
	}
	return len(p), nil
}

// decodeRecord turns a zerolog JSON line back into a Record.
// Best-effort: a line that isn't JSON becomes a bare message.
func decodeRecord(level zerolog.Level, p []byte) (Record, bool) {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return Record{}, false
	}
	rec := Record{Level: level}

	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		rec.Message = string(p)
		rec.Time = time.Now()
		return rec, true
	}

	take := func(k string) string {
		v, ok := m[k]
		if !ok {
			return ""
		}
		delete(m, k)
		s, _ := v.(string)
		return s
	}
	takeBool := func(k string) bool {
		v, ok := m[k]
		if !ok {
			return false
		}
		delete(m, k)
		b, _ := v.(bool)
		return b
	}

	rec.Message = take(zerolog.MessageFieldName)
	if ts := take(zerolog.TimestampFieldName); ts != "" {
		if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
			rec.Time = t
		}
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	_ = take(zerolog.LevelFieldName)
	rec.Caller = take(zerolog.CallerFieldName)
	rec.Err = take(zerolog.ErrorFieldName)
	rec.Stack = take("stack")
	rec.Internal = takeBool(NoRelayFieldName)
	rec.Nested = takeBool(NestedFieldName)

	rec.Logger = take(LoggerFieldName)
	if rec.Logger == "" {
		if v, ok := m["comp"].(string); ok {
			rec.Logger = v
		} else if v, ok := m["plugin"].(string); ok {
			rec.Logger = v
		}
	}
	if len(m) > 0 {
		rec.Fields = m
	}
	return rec, true
}
