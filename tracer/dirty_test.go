package tracer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/iopath/iopathtest"
)

func smallTestTracer(minor int) *Tracer {
	dev := iopathtest.NewMemDevice(8*cowmgr.SectorsPerBlock, iopath.SectorSize)
	return New(minor, dev, iopath.DirectSubmitter, nil, "/dev/fake0", 0, dev.SectorCount())
}

func TestCheckDirtyThresholdLatchesOnce(t *testing.T) {
	tr := smallTestTracer(0)
	path := filepath.Join(t.TempDir(), "snap.cow")
	mgr, err := cowmgr.Init(context.Background(), path, tr.sectCount, 4, 1<<20, true)
	if err != nil {
		t.Fatalf("cowmgr.Init() error = %v", err)
	}
	t.Cleanup(func() { mgr.SyncAndFree(context.Background()) })
	tr.SetManager(mgr)

	if tr.dirtyWarned {
		t.Fatal("dirtyWarned must start false")
	}

	totalBlocks := tr.sectCount / cowmgr.SectorsPerBlock
	for b := int64(0); float64(b)/float64(totalBlocks) < dirtyWarnFraction; b++ {
		if err := mgr.WriteFillerMapping(context.Background(), b); err != nil {
			t.Fatalf("WriteFillerMapping() error = %v", err)
		}
	}

	tr.CheckDirtyThreshold()
	if !tr.dirtyWarned {
		t.Fatal("CheckDirtyThreshold did not latch past the threshold")
	}
}

func TestCheckDirtyThresholdResetsOnManagerSwap(t *testing.T) {
	tr := smallTestTracer(0)
	tr.dirtyWarned = true

	path := filepath.Join(t.TempDir(), "snap.cow")
	mgr, err := cowmgr.Init(context.Background(), path, tr.sectCount, 4, 1<<20, true)
	if err != nil {
		t.Fatalf("cowmgr.Init() error = %v", err)
	}
	t.Cleanup(func() { mgr.SyncAndFree(context.Background()) })
	tr.SetManager(mgr)

	if tr.dirtyWarned {
		t.Fatal("SetManager must reset dirtyWarned")
	}
}
