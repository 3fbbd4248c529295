package tracer

import (
	"sync"
	"sync/atomic"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/ioqueue"
)

// Tracer is the per-device controller: it owns the COW manager, its
// queues, its worker tasks, and the base-device binding for one minor. The
// tracer mutex, mu, guards its fields; state transitions are serialized by
// control.Engine.
type Tracer struct {
	mu sync.Mutex

	minor int
	state State

	base       iopath.BlockDevice
	origSubmit iopath.Submitter
	quiescer   iopath.Quiescer
	sectOff    int64
	sectCount  int64

	bdevPath string
	cowPath  string

	mgr        *cowmgr.Manager
	cacheBytes int64
	fallocMiB  int64

	cowQueue  *ioqueue.Queue
	origQueue *ioqueue.Queue
	ssetQueue *ioqueue.Queue

	stopWorkers func()

	// installedSubmitter is the submitter a host installs over the base
	// device in place of its original submit function; releaseSubmitter is
	// its matching teardown callback (ordinarily a Registry release).
	installedSubmitter iopath.Submitter
	releaseSubmitter   func()

	// failCode is the sticky one-shot fail code; it is meaningful only
	// while failed is true.
	failCode snaptrace.ErrorCode
	failed   bool

	submitted atomic.Uint64
	received  atomic.Uint64

	// handles counts open references to the snapshot image device; destroy
	// refuses with BUSY while it is nonzero (destroy contract).
	handles int

	// dirtyWarned latches the one-time re-snapshot WARN of CheckDirtyThreshold.
	dirtyWarned bool
}

// Minor returns the tracer's minor id.
func (t *Tracer) Minor() int { return t.minor }

// State returns the current state bitset, taken under the tracer mutex.
func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// fail sets the sticky fail code exactly once (subsequent sets are
// no-ops) and returns err unchanged so callers can propagate it. Must be
// called with mu held.
func (t *Tracer) fail(code snaptrace.ErrorCode, err error) error {
	if !t.failed {
		t.failed = true
		t.failCode = code
	}
	return err
}

// Failed reports whether the tracer's fail code has been set, and its value.
func (t *Tracer) Failed() (bool, snaptrace.ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed, t.failCode
}

// SetFailed sets the sticky fail code exactly once, for
// callers outside the tracer package — the interceptor and the worker
// goroutines — that observe a terminal error against this device.
func (t *Tracer) SetFailed(code snaptrace.ErrorCode, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail(code, err)
}

// Manager returns the tracer's COW manager, or nil if dormant/unverified.
func (t *Tracer) Manager() *cowmgr.Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mgr
}

// Geometry returns the base device's starting sector offset and sector
// count the tracer is responsible for.
func (t *Tracer) Geometry() (sectOff, sectCount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sectOff, t.sectCount
}

// Base returns the underlying base device handle.
func (t *Tracer) Base() iopath.BlockDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// Queues returns the tracer's three queues.
func (t *Tracer) Queues() (cow, orig, sset *ioqueue.Queue) {
	return t.cowQueue, t.origQueue, t.ssetQueue
}

// CountSubmitted increments the submitted-clone counter.
func (t *Tracer) CountSubmitted() { t.submitted.Add(1) }

// CountReceived increments the received-clone counter.
func (t *Tracer) CountReceived() { t.received.Add(1) }

// Counters returns the current submitted/received clone counts, for
// observability.
func (t *Tracer) Counters() (submitted, received uint64) {
	return t.submitted.Load(), t.received.Load()
}

// AcquireHandle and ReleaseHandle track open references to the snapshot
// image device for destroy's BUSY check.
func (t *Tracer) AcquireHandle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles++
}

func (t *Tracer) ReleaseHandle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles > 0 {
		t.handles--
	}
}
