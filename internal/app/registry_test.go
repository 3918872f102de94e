package app

import (
	"context"
	"testing"

	"github.com/dkeye/agentvoice/internal/core"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestRegistry_UnbindOnce(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Bind(core.NewSession("c1", "agent", nopSignal{}), cancel)

	if r.Count() != 1 {
		t.Fatalf("count=%d", r.Count())
	}
	if !r.Cancel("c1") || ctx.Err() == nil {
		t.Fatalf("cancel did not reach the connection context")
	}
	if !r.Unbind("c1") {
		t.Fatalf("first unbind should succeed")
	}
	if r.Unbind("c1") {
		t.Fatalf("second unbind should report false")
	}
	if _, ok := r.Get("c1"); ok || r.Cancel("c1") {
		t.Fatalf("session still reachable")
	}
}
