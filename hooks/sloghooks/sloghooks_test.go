package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBuffered(opts Options) (*Hooks, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func TestSelfHealSampledAndRedacted(t *testing.T) {
	h, buf := newBuffered(Options{SelfHealEvery: 3})
	for i := 0; i < 9; i++ {
		h.SelfHeal("user:secret", "corrupt")
	}
	out := buf.String()
	if n := strings.Count(out, "fastcache.self_heal"); n != 3 {
		t.Fatalf("logged %d of 9, want 3", n)
	}
	if strings.Contains(out, "user:secret") {
		t.Fatalf("key leaked: %s", out)
	}
}

func TestCustomRedactor(t *testing.T) {
	h, buf := newBuffered(Options{Redact: func(k string) string { return "<" + k + ">" }})
	h.LockNotAcquired("job")
	if !strings.Contains(buf.String(), "name=<job>") {
		t.Fatalf("out=%s", buf.String())
	}
}

func TestEventsLogged(t *testing.T) {
	h, buf := newBuffered(Options{})
	h.ConnectionFailed("127.0.0.1:6379", errors.New("refused"))
	h.ConnectionRestored("127.0.0.1:6379")
	h.DelayedDeleteFailed(4, errors.New("timeout"))
	h.DelayedDeleteDropped(2)
	h.Evicted(1, 10)

	out := buf.String()
	for _, want := range []string{
		"fastcache.connection_failed", "fastcache.connection_restored",
		"fastcache.delayed_delete_failed", "fastcache.delayed_delete_dropped",
		"fastcache.evicted",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.SelfHeal("k", "corrupt")
	h.ConnectionFailed("a", nil)
}
