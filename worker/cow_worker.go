// Package worker implements the background tasks: the
// COW worker (drains cow_bios, preserves data, serves snapshot reads), the
// sector-set worker (drains pending_ssets, stamps filler mappings), and the
// original-bio forwarding worker (drains orig_bios, releases writes to the
// base device). Grounded on the root package's TaskRunner/JobProcessor
// goroutine-per-task shape (task_runner.go, job_processor.go), but wired
// directly against context.WithCancel and a sync.WaitGroup rather than
// through an errgroup: a tracer's worker set is two or three long-lived
// goroutines, not a throttled pool of short tasks, so control.Engine starts
// them itself and stops them via Run's ctx-cancel-then-drain contract.
package worker

import (
	"context"
	"log/slog"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/ioqueue"
)

// COWWorker drains cow_bios: it writes preserved data for
// read-completed clones and serves snapshot-image reads, both via the
// shared COW manager.
type COWWorker struct {
	Manager *cowmgr.Manager
	Queue   *ioqueue.Queue

	// Preserve writes the preserved COW blocks of one read-completed clone.
	// It is called once per item (the generalized form of
	// snap_handle_write_bio's bvec walk: here the whole clone's data arrives
	// as one contiguous buffer, which the hook slices into BlockSize pieces).
	Preserve func(ctx context.Context, mgr *cowmgr.Manager, item *ioqueue.Item) error

	// ServeRead completes a snapshot-image read item by filling its
	// destination buffer (the generalized snap_handle_read_bio).
	ServeRead func(ctx context.Context, mgr *cowmgr.Manager, item *ioqueue.Item) error

	// OnFail is invoked once, the first time the worker observes a
	// terminal error, so the owning tracer can set its sticky fail code
	// and tear down ("On failure or shutdown signal the
	// worker tears down the COW manager's in-memory state").
	OnFail func(err error)
}

// Run services items until ctx is canceled, then drains the remaining
// queue and replies EIO to any still-queued read.
func (w *COWWorker) Run(ctx context.Context) error {
	for {
		item, ok := w.Queue.Wait(ctx)
		if !ok {
			w.drainOnStop()
			return ctx.Err()
		}
		if err := w.handle(ctx, item); err != nil {
			slog.Warn("cow worker: handling item failed, tearing down", "error", err)
			if w.OnFail != nil {
				w.OnFail(err)
			}
			w.drainOnStop()
			return err
		}
	}
}

func (w *COWWorker) handle(ctx context.Context, item *ioqueue.Item) error {
	switch item.Kind {
	case ioqueue.KindSnapshotRead:
		return w.ServeRead(ctx, w.Manager, item)
	default:
		return w.Preserve(ctx, w.Manager, item)
	}
}

// drainOnStop frees every remaining queued item without processing,
// answering reads with EIO: workers must drain their queue on stop rather
// than leave callers blocked.
func (w *COWWorker) drainOnStop() {
	for _, item := range w.Queue.Drain() {
		if item.Kind == ioqueue.KindSnapshotRead && item.Req != nil {
			item.Req.Complete(0, snaptrace.Error{Code: snaptrace.IOErr, UserData: "worker stopped"})
		}
	}
}
