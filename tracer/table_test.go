package tracer

import (
	"testing"

	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/iopath/iopathtest"
)

func newTestTracer(minor int) *Tracer {
	dev := iopathtest.NewMemDevice(1<<16, iopath.SectorSize)
	return New(minor, dev, iopath.DirectSubmitter, nil, "/dev/fake0", 0, dev.SectorCount())
}

func TestTableRegisterGetRemove(t *testing.T) {
	tb := NewTable()
	tr := newTestTracer(0)

	if err := tb.Register(tr); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, ok := tb.Get(0); !ok {
		t.Fatal("Get() after Register: not found")
	}

	if err := tb.Register(newTestTracer(0)); err == nil {
		t.Fatal("Register() on occupied minor: want error, got nil")
	}

	tb.Remove(0)
	if _, ok := tb.Get(0); ok {
		t.Fatal("Get() after Remove: still found")
	}
}

func TestTableGetFreeMinor(t *testing.T) {
	tb := NewTable()
	if got := tb.GetFreeMinor(); got != 0 {
		t.Fatalf("GetFreeMinor() on empty table = %d, want 0", got)
	}

	tb.Register(newTestTracer(0))
	tb.Register(newTestTracer(1))
	if got := tb.GetFreeMinor(); got != 2 {
		t.Fatalf("GetFreeMinor() = %d, want 2", got)
	}

	tb.Remove(0)
	if got := tb.GetFreeMinor(); got != 0 {
		t.Fatalf("GetFreeMinor() after removing 0 = %d, want 0", got)
	}
}

func TestTableEachVisitsAllRegistered(t *testing.T) {
	tb := NewTable()
	tb.Register(newTestTracer(0))
	tb.Register(newTestTracer(3))

	seen := make(map[int]bool)
	tb.Each(func(tr *Tracer) { seen[tr.Minor()] = true })

	if !seen[0] || !seen[3] || len(seen) != 2 {
		t.Fatalf("Each() visited %v, want {0, 3}", seen)
	}
}
