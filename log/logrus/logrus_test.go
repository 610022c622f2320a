package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/fastcache"
)

func TestLevelsAndFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)
	l := New(base)

	l.Debug("hidden", nil)
	l.Warn("connection failed", fastcache.Fields{"addr": "127.0.0.1:6379"})

	if len(hook.AllEntries()) != 1 {
		t.Fatalf("got %d entries", len(hook.AllEntries()))
	}
	e := hook.LastEntry()
	if e.Level != logrus.WarnLevel || e.Message != "connection failed" || e.Data["addr"] != "127.0.0.1:6379" {
		t.Fatalf("entry %+v", e)
	}
}

func TestPresetFieldsKept(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := Logger{E: base.WithField("component", "cache")}

	l.Error("boom", fastcache.Fields{"key": "k"})
	e := hook.LastEntry()
	if e == nil || e.Data["component"] != "cache" || e.Data["key"] != "k" {
		t.Fatalf("entry %+v", e)
	}
}
