package worker

import (
	"context"
	"log/slog"

	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/ioqueue"
)

// SSetWorker drains pending_ssets: for each COW block covered by
// a {start-sector, length} sector-set, it stamps the incremental sentinel
// into the index via cow_write_filler_mapping. No data is copied.
type SSetWorker struct {
	Manager *cowmgr.Manager
	Queue   *ioqueue.Queue
	OnFail  func(err error)
}

// Run services sector-sets until ctx is canceled, then drains the rest.
func (w *SSetWorker) Run(ctx context.Context) error {
	for {
		item, ok := w.Queue.Wait(ctx)
		if !ok {
			w.Queue.Drain()
			return ctx.Err()
		}
		if err := w.handle(ctx, item); err != nil {
			slog.Warn("sset worker: handling item failed, tearing down", "error", err)
			if w.OnFail != nil {
				w.OnFail(err)
			}
			w.Queue.Drain()
			return err
		}
	}
}

func (w *SSetWorker) handle(ctx context.Context, item *ioqueue.Item) error {
	firstBlock := item.StartSector / cowmgr.SectorsPerBlock
	lastBlock := (item.EndSector - 1) / cowmgr.SectorsPerBlock
	for block := firstBlock; block <= lastBlock; block++ {
		if err := w.Manager.WriteFillerMapping(ctx, block); err != nil {
			return err
		}
	}
	return nil
}
