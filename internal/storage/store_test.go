package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "relaybot/pkg/logx"
)

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st
}

func TestKVRoundTripAcrossReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state.db")
			ctx := context.Background()

			st := openTest(t, driver, path)
			if err := st.PutValue(ctx, "logrelay", "channel", "-100123"); err != nil {
				t.Fatalf("PutValue: %v", err)
			}
			if err := st.PutValue(ctx, "logrelay", "channel", "-100123:7"); err != nil {
				t.Fatalf("PutValue overwrite: %v", err)
			}
			if err := st.PutValue(ctx, "other", "x", "1"); err != nil {
				t.Fatalf("PutValue other: %v", err)
			}
			if err := st.DeleteValue(ctx, "other", "x"); err != nil {
				t.Fatalf("DeleteValue: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openTest(t, driver, path)
			defer st.Close()
			m, err := st.LoadNamespace(ctx, "logrelay")
			if err != nil {
				t.Fatalf("LoadNamespace: %v", err)
			}
			if m["channel"] != "-100123:7" || len(m) != 1 {
				t.Fatalf("logrelay ns = %v", m)
			}
			other, err := st.LoadNamespace(ctx, "other")
			if err != nil || len(other) != 0 {
				t.Fatalf("other ns = %v (%v)", other, err)
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	st := openTest(t, "file", path)
	if err := st.PutValue(ctx, "ns", "k", "v"); err != nil {
		t.Fatalf("PutValue: %v", err)
	}
	// Simulate a crash: append a torn line and reopen without Close.
	f, err := os.OpenFile(filepath.Join(dir, "state.kv.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"op":"put","ns":"ns","key":"tor`)
	_ = f.Close()

	st2 := openTest(t, "file", path)
	defer st2.Close()
	m, _ := st2.LoadNamespace(ctx, "ns")
	if m["k"] != "v" || len(m) != 1 {
		t.Fatalf("ns = %v, want k=v only", m)
	}
	_ = st.Close()
}

func TestFileStoreAudit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTest(t, "file", filepath.Join(dir, "state.db"))
	if err := st.AppendAudit(context.Background(), AuditEntry{Plugin: "logrelay", Action: "logchannel.set", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	_ = st.Close()
	b, err := os.ReadFile(filepath.Join(dir, "state.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(b), `"action":"logchannel.set"`) {
		t.Fatalf("audit = %s", b)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Logger{})
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Logger{}); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Logger{}); err == nil {
		t.Fatal("file driver without path should fail")
	}
}
