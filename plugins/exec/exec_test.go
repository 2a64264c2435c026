package exec

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	"relaybot/pkg/tgui"
)

type sent struct {
	body  string
	files []kit.Attachment
}

type fakeAdapter struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) Closed() bool                                   { return false }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, f.SendMessage(context.Background(), kit.ChatTarget{}, text, nil)
}

func (f *fakeAdapter) SendMessage(_ context.Context, _ kit.ChatTarget, body string, files []kit.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{body: body, files: files})
	return nil
}

func TestExtractSnippets(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"echo hi", []string{"echo hi"}},
		{"```sh\necho a\necho b\n```", []string{"echo a\necho b"}},
		{"first `uname` then ```\npwd\n```", []string{"uname", "pwd"}},
		{"   ", nil},
		{"``` ```", nil},
	}
	for _, tc := range cases {
		got := extractSnippets(tc.in)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
			t.Fatalf("extractSnippets(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func newTestPlugin(t *testing.T, raw string) *Plugin {
	t.Helper()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.OnConfigChange(context.Background(), json.RawMessage(raw)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	return p
}

func TestExecOutputs(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t, `{"timeout":"5s"}`)
	ad := &fakeAdapter{}
	req := &plugin.Request{Adapter: ad, Text: "```\necho hello\n``` `true` `exit 3`"}
	if err := p.handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ad.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(ad.msgs))
	}
	body := ad.msgs[0].body
	for _, want := range []string{"hello", tgui.EmptyOutput, "[exit status 3]"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestExecLongOutputBecomesFile(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t, `{}`)
	ad := &fakeAdapter{}
	req := &plugin.Request{Adapter: ad, Text: "`echo short` ```\nyes x | head -n 3000\n```"}
	if err := p.handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ad.msgs) != 1 {
		t.Fatalf("messages = %d", len(ad.msgs))
	}
	m := ad.msgs[0]
	if !strings.Contains(m.body, "short") || len(m.files) != 1 || m.files[0].Name != "output2.txt" {
		t.Fatalf("body=%q files=%v", m.body, m.files)
	}
}

func TestExecTimeout(t *testing.T) {
	t.Parallel()
	p := newTestPlugin(t, `{"timeout":"100ms"}`)
	ad := &fakeAdapter{}
	start := time.Now()
	if err := p.handle(context.Background(), &plugin.Request{Adapter: ad, Text: "sleep 5"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced")
	}
	if !strings.Contains(ad.msgs[0].body, "timed out") {
		t.Fatalf("body = %q", ad.msgs[0].body)
	}
}

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()
	b := limitedBuffer{max: 4}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	if got := b.String(); got != "abcd\n[4 bytes truncated]" {
		t.Fatalf("String = %q", got)
	}
}

func TestParseConfigRejectsBadTimeout(t *testing.T) {
	t.Parallel()
	if _, err := parseConfig(json.RawMessage(`{"timeout":"never"}`)); err == nil {
		t.Fatal("bad timeout accepted")
	}
}
