package tracer

import (
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/ioqueue"
)

// New constructs a tracer for minor in the Dormant state, not yet bound to
// any COW manager or workers. Callers (the control package) populate the
// remaining fields via the setters below as a setup/reload/transition
// proceeds, then register it with a Table.
func New(minor int, base iopath.BlockDevice, origSubmit iopath.Submitter, quiescer iopath.Quiescer, bdevPath string, sectOff, sectCount int64) *Tracer {
	if quiescer == nil {
		quiescer = iopath.NoopQuiescer{}
	}
	return &Tracer{
		minor:      minor,
		base:       base,
		origSubmit: origSubmit,
		quiescer:   quiescer,
		bdevPath:   bdevPath,
		sectOff:    sectOff,
		sectCount:  sectCount,
		cowQueue:   ioqueue.New(),
		origQueue:  ioqueue.New(),
		ssetQueue:  ioqueue.New(),
	}
}

// SetState overwrites the state bitset. Callers must hold the owning
// control engine's serialization lock: that mutex lives one level up, in
// control.Engine, since transitions touch more than one tracer field
// atomically.
func (t *Tracer) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// SetManager binds (or clears, with nil) the tracer's COW manager.
// Rebinding resets the dirty-threshold watch, since a new or reloaded
// manager starts from its own nr_changed_blocks count.
func (t *Tracer) SetManager(mgr *cowmgr.Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mgr = mgr
	t.dirtyWarned = false
}

// SetCOWPath records the backing file path.
func (t *Tracer) SetCOWPath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cowPath = path
}

// COWPath returns the backing file path.
func (t *Tracer) COWPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cowPath
}

// BdevPath returns the base device path this tracer is bound to.
func (t *Tracer) BdevPath() string {
	return t.bdevPath
}

// SetCacheConfig records the configured cache budget and falloc step, shown
// in info() (observability record).
func (t *Tracer) SetCacheConfig(cacheBytes, fallocMiB int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cacheBytes = cacheBytes
	t.fallocMiB = fallocMiB
}

// CacheConfig returns the configured cache budget and falloc step.
func (t *Tracer) CacheConfig() (cacheBytes, fallocMiB int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheBytes, t.fallocMiB
}

// SetStopWorkers records the stop function for this tracer's current worker
// set, so a later transition or destroy can tear them down.
func (t *Tracer) SetStopWorkers(stop func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopWorkers = stop
}

// StopWorkers invokes and clears the recorded stop function, if any.
func (t *Tracer) StopWorkers() {
	t.mu.Lock()
	stop := t.stopWorkers
	t.stopWorkers = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// OrigSubmitter returns the original (untraced) submitter for the base
// device, used by the forwarding worker and by passthrough routing.
func (t *Tracer) OrigSubmitter() iopath.Submitter {
	return t.origSubmit
}

// SetInstalledSubmitter records the submitter a host must install over the
// base device in place of its original submit function, and the release
// callback to call exactly once on teardown (ordinarily a
// intercept.Registry release, composed in by the control package).
func (t *Tracer) SetInstalledSubmitter(s iopath.Submitter, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installedSubmitter = s
	t.releaseSubmitter = release
}

// InstalledSubmitter returns the submitter a host should install over the
// base device, or nil if SetInstalledSubmitter was never called.
func (t *Tracer) InstalledSubmitter() iopath.Submitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installedSubmitter
}

// ReleaseInstalledSubmitter invokes and clears the recorded release
// callback, if any. Idempotent; Destroy calls this exactly once.
func (t *Tracer) ReleaseInstalledSubmitter() {
	t.mu.Lock()
	release := t.releaseSubmitter
	t.releaseSubmitter = nil
	t.mu.Unlock()
	if release != nil {
		release()
	}
}

// Quiescer returns the freeze/thaw collaborator for this device's base.
func (t *Tracer) Quiescer() iopath.Quiescer {
	return t.quiescer
}

// OpenHandles reports the number of open references to the snapshot image
// device (destroy's BUSY check).
func (t *Tracer) OpenHandles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles
}
