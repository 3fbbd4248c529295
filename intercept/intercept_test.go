package intercept

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/iopath/iopathtest"
	"github.com/snaptrace/engine/ioqueue"
	"github.com/snaptrace/engine/tracer"
)

func newActiveTracer(t *testing.T, snapshotMode bool) (*tracer.Tracer, *iopathtest.MemDevice) {
	t.Helper()
	dev := iopathtest.NewMemDevice(1<<16, iopath.SectorSize)
	tr := tracer.New(0, dev, iopath.DirectSubmitter, nil, "/dev/fake0", 0, dev.SectorCount())

	path := filepath.Join(t.TempDir(), "snap.cow")
	mgr, err := cowmgr.Init(context.Background(), path, dev.SectorCount(), 4, 1<<20, false)
	if err != nil {
		t.Fatalf("cowmgr.Init() error = %v", err)
	}
	t.Cleanup(func() { mgr.SyncAndFree(context.Background()) })
	tr.SetManager(mgr)

	state := tracer.Active
	if snapshotMode {
		state |= tracer.Snapshot
	}
	tr.SetState(state)
	return tr, dev
}

func TestDispatchPassthroughBypassesTracing(t *testing.T) {
	tr, dev := newActiveTracer(t, true)
	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		if req.Passthrough {
			t.Fatal("Dispatch must clear Passthrough before forwarding")
		}
		return nil
	})

	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Passthrough: true, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !submitted {
		t.Fatal("passthrough request was not forwarded to the original submitter")
	}
	_ = dev
}

func TestDispatchNotActiveForwardsUntraced(t *testing.T) {
	dev := iopathtest.NewMemDevice(1<<16, iopath.SectorSize)
	tr := tracer.New(0, dev, iopath.DirectSubmitter, nil, "/dev/fake0", 0, dev.SectorCount())
	// Dormant: never activated.

	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		return nil
	})
	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !submitted {
		t.Fatal("dormant tracer must forward writes untraced")
	}
	cow, origQ, sset := tr.Queues()
	if cow.Len() != 0 || origQ.Len() != 0 || sset.Len() != 0 {
		t.Fatal("dormant tracer must not enqueue anything")
	}
}

func TestDispatchFailedForwardsUntraced(t *testing.T) {
	tr, _ := newActiveTracer(t, true)
	tr.SetFailed(snaptrace.IOErr, context.Canceled)

	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		return nil
	})
	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !submitted {
		t.Fatal("failed tracer must forward writes untraced")
	}
}

func TestDispatchNonWriteForwardsUntraced(t *testing.T) {
	tr, _ := newActiveTracer(t, true)
	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		return nil
	})
	req := &iopath.Request{Dir: iopath.Read, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !submitted {
		t.Fatal("read requests must be forwarded untraced, never cloned")
	}
	cow, _, _ := tr.Queues()
	if cow.Len() != 0 {
		t.Fatal("a read request must not enqueue a COW-worker item")
	}
}

func TestDispatchSnapshotModeClonesAndForwards(t *testing.T) {
	tr, _ := newActiveTracer(t, true)
	cloneSubmitted := make(chan struct{})
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		req.Complete(len(req.Data), nil)
		close(cloneSubmitted)
		return nil
	})

	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// The read clone is submitted on its own goroutine: Dispatch must not
	// wait for it, so the test has to.
	select {
	case <-cloneSubmitted:
	case <-time.After(2 * time.Second):
		t.Fatal("read clone was never submitted")
	}

	cow, origQ, sset := tr.Queues()
	if cow.Len() != 1 {
		t.Fatalf("cow queue length = %d, want 1 (preserved clone)", cow.Len())
	}
	if origQ.Len() != 1 {
		t.Fatalf("orig queue length = %d, want 1 (original write released)", origQ.Len())
	}
	if sset.Len() != 0 {
		t.Fatal("snapshot-mode dispatch must not use the sector-set queue")
	}

	item, _ := cow.Dequeue()
	if item.Kind != ioqueue.KindPreserve {
		t.Fatalf("cow item kind = %v, want KindPreserve", item.Kind)
	}
}

func TestTracingSubmitterDispatchesWrites(t *testing.T) {
	dev := iopathtest.NewMemDevice(1<<16, iopath.SectorSize)
	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		return nil
	})
	tr := tracer.New(0, dev, orig, nil, "/dev/fake0", 0, dev.SectorCount())
	tr.SetState(tracer.Active) // incremental mode: no manager needed

	sub := TracingSubmitter(tr)
	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := sub.Submit(context.Background(), tr.Base(), req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !submitted {
		t.Fatal("TracingSubmitter did not forward the write to the original submitter")
	}
	_, _, sset := tr.Queues()
	if sset.Len() != 1 {
		t.Fatalf("sset queue length = %d, want 1 (write was traced via Dispatch)", sset.Len())
	}
}

func TestDispatchIncrementalModeRecordsSectorSet(t *testing.T) {
	tr, _ := newActiveTracer(t, false)
	var submitted bool
	orig := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		submitted = true
		return nil
	})

	req := &iopath.Request{Dir: iopath.Write, StartSector: 0, Sectors: 8, Data: make([]byte, 8*iopath.SectorSize)}
	if err := Dispatch(context.Background(), tr, orig, req); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !submitted {
		t.Fatal("incremental mode must still forward the original write")
	}

	cow, _, sset := tr.Queues()
	if cow.Len() != 0 {
		t.Fatal("incremental mode must not use the cow-bios queue")
	}
	if sset.Len() != 1 {
		t.Fatalf("sset queue length = %d, want 1", sset.Len())
	}
}

func TestClassifyAndServeSnapshotRead(t *testing.T) {
	tr, dev := newActiveTracer(t, true)
	dev.Fill(0, 0xAA)
	mgr := tr.Manager()

	class, err := Classify(context.Background(), mgr, 0, 1)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if class != BaseOnly {
		t.Fatalf("Classify() on untouched blocks = %v, want BaseOnly", class)
	}

	buf := make([]byte, 8*iopath.SectorSize)
	req := &iopath.Request{Dir: iopath.Read, StartSector: 0, Sectors: 8, Data: buf}
	if err := ServeSnapshotRead(context.Background(), tr, dev, req); err != nil {
		t.Fatalf("ServeSnapshotRead() error = %v", err)
	}
	for i, b := range buf {
		if b != 0xAA {
			t.Fatalf("buf[%d] = %x, want 0xAA (served from base device)", i, b)
		}
	}
}

func TestPreserveSplitsIntoBlockSizedWrites(t *testing.T) {
	tr, _ := newActiveTracer(t, true)
	mgr := tr.Manager()

	data := make([]byte, cowmgr.BlockSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	if err := Preserve(context.Background(), mgr, 4, data); err != nil {
		t.Fatalf("Preserve() error = %v", err)
	}

	v4, err := mgr.ReadMapping(context.Background(), 4)
	if err != nil || v4 == cowmgr.MappingUnchanged {
		t.Fatalf("mapping(4) = %v, err=%v, want a real data position", v4, err)
	}
	v5, err := mgr.ReadMapping(context.Background(), 5)
	if err != nil || v5 == cowmgr.MappingUnchanged {
		t.Fatalf("mapping(5) = %v, err=%v, want a real data position", v5, err)
	}
}
