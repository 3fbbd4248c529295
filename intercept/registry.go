package intercept

import (
	"context"
	"fmt"
	"sync"

	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/tracer"
)

// Registry enforces "at most one in-flight replacement of the submit
// function per disk": a reference-counted table of (disk, original-fn)
// pairs. Multiple traced partitions of the same disk share one installed
// submitter; the original submit function is restored only once the last
// of them releases. Keyed by an opaque disk identity the host supplies
// (a device path for the whole disk, not the per-partition bdevPath
// tracers are bound to).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*diskEntry
}

type diskEntry struct {
	refs    int
	orig    iopath.Submitter
	tracers []*tracer.Tracer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*diskEntry)}
}

// Acquire registers t as a traced partition of diskKey. The first
// acquisition for a diskKey installs a disk-wide submitter wrapping orig;
// later acquisitions for the same diskKey reuse that entry and ignore
// their own orig, since every traced partition of one disk must submit
// through the same original function. Returns a submitter, routed through
// the disk's shared entry, to install over the disk's base device, and a
// release func the owner must
// call exactly once on teardown.
func (r *Registry) Acquire(diskKey string, orig iopath.Submitter, t *tracer.Tracer) (iopath.Submitter, func()) {
	r.mu.Lock()
	e, ok := r.entries[diskKey]
	if !ok {
		e = &diskEntry{orig: orig}
		r.entries[diskKey] = e
	}
	e.refs++
	grown := make([]*tracer.Tracer, len(e.tracers), len(e.tracers)+1)
	copy(grown, e.tracers)
	e.tracers = append(grown, t)
	r.mu.Unlock()

	submitter := iopath.SubmitterFunc(func(ctx context.Context, dev iopath.BlockDevice, req *iopath.Request) error {
		return r.dispatch(diskKey, ctx, dev, req)
	})
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		r.release(diskKey, t)
	}
	return submitter, release
}

// dispatch routes req to whichever acquired tracer's geometry it
// overlaps, falling back to the disk's original submitter for anything
// none of them claim (unpartitioned regions, or a partition that has
// already released).
func (r *Registry) dispatch(diskKey string, ctx context.Context, dev iopath.BlockDevice, req *iopath.Request) error {
	r.mu.Lock()
	e, ok := r.entries[diskKey]
	var orig iopath.Submitter
	var tracers []*tracer.Tracer
	if ok {
		orig, tracers = e.orig, e.tracers
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("intercept: registry has no entry for disk %q", diskKey)
	}

	for _, tr := range tracers {
		sectOff, sectCount := tr.Geometry()
		if iopath.Overlaps(req.StartSector, req.EndSector(), sectOff, sectOff+sectCount) {
			return Dispatch(ctx, tr, orig, req)
		}
	}
	return orig.Submit(ctx, dev, req)
}

// release drops t's reference for diskKey. The entry, and the submitter
// installed for it, is torn down only once every acquired tracer has
// released — "only the last destroy restores the original."
func (r *Registry) release(diskKey string, t *tracer.Tracer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[diskKey]
	if !ok {
		return
	}
	kept := make([]*tracer.Tracer, 0, len(e.tracers))
	for _, tr := range e.tracers {
		if tr != t {
			kept = append(kept, tr)
		}
	}
	e.tracers = kept
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, diskKey)
	}
}

// Refs reports diskKey's current reference count (0 if untracked), for
// tests and observability.
func (r *Registry) Refs(diskKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[diskKey]; ok {
		return e.refs
	}
	return 0
}
