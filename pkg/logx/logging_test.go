package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (r *recordingSink) Handle(rec Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recordingSink) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.recs...)
}

func newTestService(t *testing.T) (*Service, Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	svc, log := New(Config{Level: "debug", Console: true}, WithConsoleOutput(&buf))
	t.Cleanup(func() { _ = svc.Close() })
	return svc, log, &buf
}

func TestSinkReceivesDecodedRecord(t *testing.T) {
	svc, log, _ := newTestService(t)
	sink := &recordingSink{}
	svc.AddSink(sink, LevelWarn)

	log.With(String("comp", "storage")).Error("disk full", Err(errors.New("ENOSPC")), Int("free", 0))

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Level != LevelError {
		t.Fatalf("Level = %v, want error", rec.Level)
	}
	if rec.Logger != "storage" {
		t.Fatalf("Logger = %q, want storage", rec.Logger)
	}
	if rec.Message != "disk full" {
		t.Fatalf("Message = %q", rec.Message)
	}
	if rec.Err != "ENOSPC" {
		t.Fatalf("Err = %q", rec.Err)
	}
	if rec.Caller == "" || !strings.HasPrefix(rec.Caller, "logging_test.go:") {
		t.Fatalf("Caller = %q, want logging_test.go:<line>", rec.Caller)
	}
	if _, ok := rec.Fields["free"]; !ok {
		t.Fatalf("expected field free in %v", rec.Fields)
	}
	if rec.Internal || rec.Nested {
		t.Fatalf("unexpected relay markers: internal=%v nested=%v", rec.Internal, rec.Nested)
	}
}

func TestSinkMinLevel(t *testing.T) {
	svc, log, _ := newTestService(t)
	sink := &recordingSink{}
	svc.AddSink(sink, LevelError)

	log.Info("hello")
	log.Warn("careful")
	log.Error("boom")

	recs := sink.all()
	if len(recs) != 1 || recs[0].Message != "boom" {
		t.Fatalf("records = %+v, want only boom", recs)
	}
}

func TestRelayMarkers(t *testing.T) {
	svc, log, buf := newTestService(t)
	sink := &recordingSink{}
	svc.AddSink(sink, LevelDebug)

	log.Error("internal", NoRelay())
	log.Ctx(SuppressRelay(context.Background())).Error("nested")
	log.Ctx(context.Background()).Error("plain")

	recs := sink.all()
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if !recs[0].Internal || recs[0].Nested {
		t.Fatalf("internal record markers wrong: %+v", recs[0])
	}
	if recs[1].Internal || !recs[1].Nested {
		t.Fatalf("nested record markers wrong: %+v", recs[1])
	}
	if recs[2].Internal || recs[2].Nested {
		t.Fatalf("plain record markers wrong: %+v", recs[2])
	}
	if strings.Contains(buf.String(), NoRelayFieldName) {
		t.Fatalf("console output should hide relay fields: %s", buf.String())
	}
}

func TestRemoveSink(t *testing.T) {
	svc, log, _ := newTestService(t)
	sink := &recordingSink{}
	svc.AddSink(sink, LevelDebug)
	log.Error("one")
	svc.RemoveSink(sink)
	log.Error("two")

	if n := len(sink.all()); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

type loggingSink struct {
	log   Logger
	calls int
}

func (s *loggingSink) Handle(rec Record) {
	s.calls++
	if rec.Internal {
		return
	}
	// Must not deadlock: dispatch holds no lock while calling sinks.
	s.log.Error("sink saw record", NoRelay())
}

func TestSinkMayLogFromHandle(t *testing.T) {
	svc, log, _ := newTestService(t)
	sink := &loggingSink{log: log}
	svc.AddSink(sink, LevelDebug)

	log.Error("trigger")
	if sink.calls != 2 {
		t.Fatalf("calls = %d, want 2 (record + internal follow-up)", sink.calls)
	}
}

func TestSinksSurviveApply(t *testing.T) {
	svc, log, _ := newTestService(t)
	sink := &recordingSink{}
	svc.AddSink(sink, LevelDebug)

	svc.Apply(Config{Level: "info", Console: true})
	log.Error("after apply")
	if n := len(sink.all()); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"error", LevelError},
		{" WARNING ", LevelWarn},
		{"debug", LevelDebug},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
