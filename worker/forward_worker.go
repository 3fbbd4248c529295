package worker

import (
	"context"
	"log/slog"

	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/ioqueue"
)

// ForwardWorker drains orig_bios: original write bios are
// released to the base device only after their read-clones have been
// enqueued to the COW worker, preventing the base write from racing ahead
// of preservation.
type ForwardWorker struct {
	Base   iopath.BlockDevice
	Submit iopath.Submitter
	Queue  *ioqueue.Queue
}

// Run forwards original bios to the base device until ctx is canceled.
func (w *ForwardWorker) Run(ctx context.Context) error {
	for {
		item, ok := w.Queue.Wait(ctx)
		if !ok {
			w.drainRemaining()
			return ctx.Err()
		}
		item.Req.Passthrough = true
		if err := w.Submit.Submit(ctx, w.Base, item.Req); err != nil {
			slog.Warn("forward worker: submitting original bio failed", "error", err)
		}
	}
}

func (w *ForwardWorker) drainRemaining() {
	for _, item := range w.Queue.Drain() {
		if item.Req != nil {
			item.Req.Complete(0, context.Canceled)
		}
	}
}
