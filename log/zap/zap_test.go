package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/fastcache"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))

	l.Debug("hidden", fastcache.Fields{"k": 1})
	l.Info("shard evicted", fastcache.Fields{"shard": 2, "evicted": 5})
	l.Warn("release failed", fastcache.Fields{"err": errors.New("timeout")})
	l.Error("boom", nil)

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Message != "shard evicted" || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("first entry %+v", entries[0])
	}
	if keys := []string{entries[0].Context[0].Key, entries[0].Context[1].Key}; keys[0] != "evicted" || keys[1] != "shard" {
		t.Fatalf("fields not sorted: %v", keys)
	}
	if got := entries[1].ContextMap()["err"]; got != "timeout" {
		t.Fatalf("err field=%v", got)
	}
	if len(entries[2].Context) != 0 {
		t.Fatalf("nil fields produced %v", entries[2].Context)
	}
}

func TestNilLoggerIsNop(t *testing.T) {
	New(nil).Info("nothing", fastcache.Fields{"a": 1})
}
