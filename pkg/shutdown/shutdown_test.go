package shutdown

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second)
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return nil })

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if strings.Join(order, ",") != "second,first" {
		t.Errorf("hook order = %v", order)
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second)
	boom := errors.New("boom")
	m.Register("server", func(context.Context) error { return boom })
	m.Register("log", func(context.Context) error { return nil })

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !strings.Contains(err.Error(), "server") {
		t.Errorf("error should name the hook: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}
}
