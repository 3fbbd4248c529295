// Package intercept implements the I/O interception pipeline
// and the read/write path synthesis: the base-device submit
// hook that classifies bios and routes them to the snapshot or incremental
// path, and the clone-completion and sector-set extraction logic that feeds
// the bounded queues. Grounded on the root package's dynamic-dispatch style
// (a single match over what to do with an item, per design note)
// rather than virtual methods or a plugin registry.
package intercept

import (
	"context"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/ioqueue"
	"github.com/snaptrace/engine/tracer"
)

// TracingSubmitter composes Dispatch with t into the iopath.Submitter a
// host installs over the base device in place of its original submit
// function: every bio the host would otherwise hand to t.OrigSubmitter()
// instead passes through Dispatch first. Suitable when a disk carries
// exactly one traced partition; a disk with more than one traced partition
// should go through a Registry instead; see registry.go, so only one
// replacement submit function is ever installed per disk.
func TracingSubmitter(t *tracer.Tracer) iopath.Submitter {
	return iopath.SubmitterFunc(func(ctx context.Context, dev iopath.BlockDevice, req *iopath.Request) error {
		return Dispatch(ctx, t, t.OrigSubmitter(), req)
	})
}

// Dispatch is the tracing submitter installed in place of a disk's original
// submit function. It implements the six-step routing decision:
// passthrough, not-yet-active, failed, non-overlapping, non-write, then
// snapshot or incremental tracing.
func Dispatch(ctx context.Context, t *tracer.Tracer, orig iopath.Submitter, req *iopath.Request) error {
	if req.Passthrough {
		req.Passthrough = false
		return orig.Submit(ctx, t.Base(), req)
	}

	st := t.State()
	if st.IsUnverified() || !st.IsActive() {
		return orig.Submit(ctx, t.Base(), req)
	}
	if failed, _ := t.Failed(); failed {
		return orig.Submit(ctx, t.Base(), req)
	}

	sectOff, sectCount := t.Geometry()
	if !iopath.Overlaps(req.StartSector, req.EndSector(), sectOff, sectOff+sectCount) {
		return orig.Submit(ctx, t.Base(), req)
	}
	if req.Dir != iopath.Write || req.Sectors == 0 {
		return orig.Submit(ctx, t.Base(), req)
	}

	if st.HasSnapshot() {
		return snapTraceBio(ctx, t, orig, req)
	}
	return incTraceBio(ctx, t, orig, req)
}

// alignToBlock widens [start, end) out to COW-block sector boundaries
// ("end - start = N × 8 sectors").
func alignToBlock(start, end int64) (int64, int64) {
	const n = cowmgrSectorsPerBlock
	alignedStart := (start / n) * n
	alignedEnd := ((end + n - 1) / n) * n
	return alignedStart, alignedEnd
}

// cowmgrSectorsPerBlock mirrors cowmgr.SectorsPerBlock; duplicated as an
// untyped constant here to avoid intercept depending on cowmgr purely for
// one integer (tracer already depends on cowmgr and is the shared import).
const cowmgrSectorsPerBlock = 8

// snapTraceBio submits a read clone covering the block-aligned range and
// returns immediately, without waiting for it: the dispatching goroutine
// must never block on disk I/O. The clone's completion — not this call —
// is what enqueues the preserved data and releases the original bio to the
// forwarding worker, standing in for on_read_clone_complete, which in the
// kernel original runs in soft-IRQ context once the clone's own read
// finishes. Submitters are required to call req.Complete exactly once
// (iopath.DirectSubmitter does); onReadCloneComplete runs from inside that
// callback, on whatever goroutine the submitter completes on.
func snapTraceBio(ctx context.Context, t *tracer.Tracer, orig iopath.Submitter, req *iopath.Request) error {
	t.CountSubmitted()

	start, end := alignToBlock(req.StartSector, req.EndSector())
	buf := make([]byte, (end-start)*iopath.SectorSize)
	readReq := &iopath.Request{Dir: iopath.Read, StartSector: start, Sectors: end - start, Data: buf}
	readReq.OnComplete = func(n int, err error) {
		if err != nil {
			t.SetFailed(snaptrace.IOErr, err)
		} else {
			onReadCloneComplete(t, start, end, buf)
		}
		// The original bio is released to the forwarding worker whether or
		// not preservation succeeded: a failed clone fails the tracer (every
		// later traced bio forwards untraced), but this one bio must still
		// reach the base device.
		_, origQueue, _ := t.Queues()
		origQueue.Enqueue(&ioqueue.Item{
			Kind:        ioqueue.KindOrigBio,
			Req:         req,
			StartSector: req.StartSector,
			EndSector:   req.EndSector(),
		})
	}

	go func() {
		_ = orig.Submit(ctx, t.Base(), readReq)
	}()
	return nil
}

// onReadCloneComplete enqueues the preserved-data write for the COW worker
// and bumps the received-clone counter. sectOff converts the
// clone's absolute sector range to the base-relative range the COW manager
// indexes by.
func onReadCloneComplete(t *tracer.Tracer, start, end int64, data []byte) {
	sectOff, _ := t.Geometry()
	cowQueue, _, _ := t.Queues()
	cowQueue.Enqueue(&ioqueue.Item{
		Kind:        ioqueue.KindPreserve,
		Req:         &iopath.Request{Dir: iopath.Write, StartSector: start, Sectors: end - start, Data: data},
		StartSector: start - sectOff,
		EndSector:   end - sectOff,
	})
	t.CountReceived()
}

// incTraceBio: extracts the modified sector range as
// a single sector-set and enqueues it, then always forwards the bio
// unchanged. The kernel original walks per-page bio segments to exclude any
// pages backed by the COW file's own inode; that case cannot arise here
// because Dispatch's passthrough check (step 1) already diverts every
// bio the engine itself issues against its backing file, so the whole
// traced range is always eligible as one run.
func incTraceBio(ctx context.Context, t *tracer.Tracer, orig iopath.Submitter, req *iopath.Request) error {
	sectOff, _ := t.Geometry()
	_, _, ssetQueue := t.Queues()
	ssetQueue.Enqueue(&ioqueue.Item{
		Kind:        ioqueue.KindSectorSet,
		StartSector: req.StartSector - sectOff,
		EndSector:   req.EndSector() - sectOff,
	})
	return orig.Submit(ctx, t.Base(), req)
}
