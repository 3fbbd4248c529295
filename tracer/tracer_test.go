package tracer

import (
	"errors"
	"testing"

	snaptrace "github.com/snaptrace/engine"
)

func TestTracerFailIsStickyOneShot(t *testing.T) {
	tr := newTestTracer(0)

	tr.SetFailed(snaptrace.IOErr, errors.New("first"))
	tr.SetFailed(snaptrace.Busy, errors.New("second"))

	failed, code := tr.Failed()
	if !failed {
		t.Fatal("Failed() = false, want true after SetFailed")
	}
	if code != snaptrace.IOErr {
		t.Fatalf("Failed() code = %v, want %v (first code sticks)", code, snaptrace.IOErr)
	}
}

func TestTracerHandleCounting(t *testing.T) {
	tr := newTestTracer(0)

	tr.AcquireHandle()
	tr.AcquireHandle()
	if got := tr.OpenHandles(); got != 2 {
		t.Fatalf("OpenHandles() = %d, want 2", got)
	}

	tr.ReleaseHandle()
	if got := tr.OpenHandles(); got != 1 {
		t.Fatalf("OpenHandles() = %d, want 1", got)
	}

	tr.ReleaseHandle()
	tr.ReleaseHandle() // must not underflow below 0
	if got := tr.OpenHandles(); got != 0 {
		t.Fatalf("OpenHandles() = %d, want 0", got)
	}
}

func TestTracerStateRoundTrip(t *testing.T) {
	tr := newTestTracer(0)
	if !tr.State().IsDormant() {
		t.Fatal("new tracer: want Dormant")
	}

	tr.SetState(Active | Snapshot)
	if !tr.State().IsActive() || !tr.State().HasSnapshot() {
		t.Fatalf("State() = %v, want ACTIVE|SNAPSHOT", tr.State())
	}
}

func TestTracerQueuesAreDistinct(t *testing.T) {
	tr := newTestTracer(0)
	cow, orig, sset := tr.Queues()
	if cow == orig || orig == sset || cow == sset {
		t.Fatal("Queues() returned aliased queues, want three distinct instances")
	}
}
