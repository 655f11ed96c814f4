package logging

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	hook := test.NewLocal(l)

	l.WithField("k", "v").Info("hello")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Data["service"] != "svc-a" {
		t.Fatalf("expected service field, got %v", entry.Data)
	}
	if entry.Data["k"] != "v" {
		t.Fatalf("expected k field, got %v", entry.Data)
	}
}

func TestServiceFieldNotOverwritten(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	hook := test.NewLocal(l)

	l.WithField("service", "explicit").Info("hello")

	if got := hook.LastEntry().Data["service"]; got != "explicit" {
		t.Fatalf("expected explicit service field to win, got %v", got)
	}
}
