package intercept

import (
	"context"
	"fmt"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/tracer"
)

// Classification is the result of walking a read's COW-block range against
// the index (step 1).
type Classification int

const (
	COWOnly Classification = iota
	BaseOnly
	Mixed
)

// Classify walks [startBlock, endBlock] and reports whether every mapping is
// nonzero (COWOnly), every mapping is zero (BaseOnly), or it's a mix.
func Classify(ctx context.Context, mgr *cowmgr.Manager, startBlock, endBlock int64) (Classification, error) {
	var anyZero, anyNonzero bool
	for b := startBlock; b <= endBlock; b++ {
		v, err := mgr.ReadMapping(ctx, b)
		if err != nil {
			return 0, err
		}
		if v == cowmgr.MappingUnchanged {
			anyZero = true
		} else {
			anyNonzero = true
		}
	}
	switch {
	case anyNonzero && !anyZero:
		return COWOnly, nil
	case anyZero && !anyNonzero:
		return BaseOnly, nil
	default:
		return Mixed, nil
	}
}

// ServeSnapshotRead: classify the read's range, pull
// base-device contents for anything not COWOnly, then overwrite the COW
// portions (COWOnly and Mixed) with preserved data from the manager.
func ServeSnapshotRead(ctx context.Context, t *tracer.Tracer, base iopath.BlockDevice, req *iopath.Request) error {
	mgr := t.Manager()
	if mgr == nil {
		return snaptrace.Error{Code: snaptrace.Busy, Err: fmt.Errorf("intercept: device not active")}
	}

	sectOff, _ := t.Geometry()
	startBlock := (req.StartSector - sectOff) / cowmgrSectorsPerBlock
	endBlock := (req.EndSector() - sectOff - 1) / cowmgrSectorsPerBlock

	class, err := Classify(ctx, mgr, startBlock, endBlock)
	if err != nil {
		t.SetFailed(snaptrace.IOErr, err)
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}

	if class != COWOnly {
		if _, err := base.ReadAt(ctx, req.Data, req.StartSector); err != nil {
			t.SetFailed(snaptrace.IOErr, err)
			return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
		}
	}

	if class != BaseOnly {
		for b := startBlock; b <= endBlock; b++ {
			v, err := mgr.ReadMapping(ctx, b)
			if err != nil {
				t.SetFailed(snaptrace.IOErr, err)
				return err
			}
			if v == cowmgr.MappingUnchanged || v == cowmgr.MappingIncomplete {
				continue
			}
			off := int(b-startBlock) * cowmgr.BlockSize
			n := cowmgr.BlockSize
			if off+n > len(req.Data) {
				n = len(req.Data) - off
			}
			if n <= 0 {
				continue
			}
			if err := mgr.ReadData(ctx, req.Data[off:off+n], int64(v), 0); err != nil {
				t.SetFailed(snaptrace.IOErr, err)
				return err
			}
		}
	}
	return nil
}

// Preserve implements the generalized snap_handle_write_bio:
// breaks a read-completed clone's data into BlockSize pieces aligned to the
// store's block grid and calls cow_write_current for each.
func Preserve(ctx context.Context, mgr *cowmgr.Manager, startBlock int64, data []byte) error {
	for off := 0; off < len(data); off += cowmgr.BlockSize {
		n := cowmgr.BlockSize
		if off+n > len(data) {
			n = len(data) - off
		}
		buf := data[off : off+n]
		if n < cowmgr.BlockSize {
			padded := make([]byte, cowmgr.BlockSize)
			copy(padded, buf)
			buf = padded
		}
		block := startBlock + int64(off/cowmgr.BlockSize)
		if err := mgr.WriteCurrent(ctx, block, buf); err != nil {
			return err
		}
	}
	return nil
}
