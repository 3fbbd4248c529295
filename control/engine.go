// Package control implements the external control-plane surface:
// the eight tracer operations of §4.1, each taking a minor plus its
// arguments and returning an error an implementer maps to a negative errno
// at the CLI/IOCTL boundary (ErrnoOf, in errno.go). It composes the tracer,
// cowmgr, intercept, ioqueue, and worker packages into one serializing entry
// point per operation, dispatched against the global device table — the
// same ioctl-dispatch shape a kernel snapshot driver's control surface uses.
package control

import (
	"context"
	"fmt"
	"sync"

	snaptrace "github.com/snaptrace/engine"
	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/intercept"
	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/ioqueue"
	"github.com/snaptrace/engine/tracer"
	"github.com/snaptrace/engine/worker"
)

// Engine is the process-wide control surface: one device table plus the
// single mutex that serializes the setup, reload, destroy and transition
// operations. Per-device state is normally serialized by the tracer's own
// mutex, but that mutex is lifted to engine scope here because several
// operations, e.g. transition_to_snapshot, must mutate more than one tracer
// field as one atomic step. Reconfigure, ReconfigureAutoExpand and ExpandCow
// do not take opMu; they rely on the tracer's and the manager's own locks.
type Engine struct {
	opMu     sync.Mutex
	table    *tracer.Table
	registry *intercept.Registry
}

// NewEngine returns an empty control engine.
func NewEngine() *Engine {
	return &Engine{table: tracer.NewTable(), registry: intercept.NewRegistry()}
}

// diskKeyOf picks the registry key a tracer's traced partition shares with
// every other traced partition of the same disk: the caller-supplied
// DiskKey, or bdevPath itself for the common case of one traced partition
// per disk.
func diskKeyOf(diskKey, bdevPath string) string {
	if diskKey != "" {
		return diskKey
	}
	return bdevPath
}

// SetupParams carries setup_snapshot's arguments.
type SetupParams struct {
	Minor      int
	Base       iopath.BlockDevice
	OrigSubmit iopath.Submitter
	Quiescer   iopath.Quiescer
	BdevPath   string
	SectOff    int64
	SectCount  int64
	CowPath    string
	FallocMiB  int64
	CacheBytes int64
	Mounted    bool

	// DiskKey identifies the physical disk this partition belongs to, for
	// Engine's submit-function registry. Leave empty when each traced
	// partition sits on its own disk (DiskKey defaults to BdevPath); set it
	// explicitly when more than one traced partition shares a disk, so they
	// share one installed submitter (intercept.Registry).
	DiskKey string
}

// SetupSnapshot implements setup_snapshot: mount-required,
// creates a new COW file, initializes header with fresh UUID and seqid=1,
// pre-allocates the data region, registers the device, installs the
// interceptor (if the base is currently mounted) or parks the tracer in
// UNVERIFIED|SNAPSHOT until a matching mount arrives.
//
// A host retrieves the submitter to install over the base device's submit
// path via Engine.Submitter(p.Minor) once this returns; it replaces
// p.OrigSubmit for as long as the device stays registered (Destroy restores
// the original, once every traced partition sharing the disk has torn
// down — see intercept.Registry).
func (e *Engine) SetupSnapshot(ctx context.Context, p SetupParams) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t := tracer.New(p.Minor, p.Base, p.OrigSubmit, p.Quiescer, p.BdevPath, p.SectOff, p.SectCount)
	t.SetCOWPath(p.CowPath)
	t.SetCacheConfig(p.CacheBytes, p.FallocMiB)
	submitter, release := e.registry.Acquire(diskKeyOf(p.DiskKey, p.BdevPath), p.OrigSubmit, t)
	t.SetInstalledSubmitter(submitter, release)

	if err := e.table.Register(t); err != nil {
		release()
		return err
	}

	if !p.Mounted {
		t.SetState(tracer.Unverified | tracer.Snapshot)
		return nil
	}

	mgr, err := cowmgr.Init(ctx, p.CowPath, p.SectCount, p.FallocMiB, p.CacheBytes, false)
	if err != nil {
		e.table.Remove(p.Minor)
		t.ReleaseInstalledSubmitter()
		return err
	}
	t.SetManager(mgr)
	t.SetState(tracer.Active | tracer.Snapshot)
	e.startSnapshotWorkers(t)
	return nil
}

// ReloadParams carries reload_snapshot/reload_incremental's arguments.
type ReloadParams struct {
	Minor       int
	Base        iopath.BlockDevice
	OrigSubmit  iopath.Submitter
	Quiescer    iopath.Quiescer
	BdevPath    string
	SectOff     int64
	SectCount   int64
	CowPath     string
	CacheBytes  int64
	Mounted     bool
	Incremental bool

	// DiskKey: see SetupParams.DiskKey.
	DiskKey string
}

// ReloadSnapshot / ReloadIncremental (selected by p.Incremental) implements
// reload_snapshot/reload_incremental: base-not-mounted enters
// UNVERIFIED; if already mounted, reopens the existing COW file immediately
// and transitions straight to ACTIVE. As with SetupSnapshot, the host
// installs the submitter returned by Engine.Submitter(p.Minor) over the
// base device.
func (e *Engine) Reload(ctx context.Context, p ReloadParams) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t := tracer.New(p.Minor, p.Base, p.OrigSubmit, p.Quiescer, p.BdevPath, p.SectOff, p.SectCount)
	t.SetCOWPath(p.CowPath)
	t.SetCacheConfig(p.CacheBytes, 0)
	submitter, release := e.registry.Acquire(diskKeyOf(p.DiskKey, p.BdevPath), p.OrigSubmit, t)
	t.SetInstalledSubmitter(submitter, release)

	if err := e.table.Register(t); err != nil {
		release()
		return err
	}

	mode := tracer.Snapshot
	if p.Incremental {
		mode = 0
	}

	if !p.Mounted {
		t.SetState(tracer.Unverified | mode)
		return nil
	}
	if err := e.activateReload(ctx, t, p.CowPath, p.CacheBytes, p.Incremental); err != nil {
		e.table.Remove(p.Minor)
		t.ReleaseInstalledSubmitter()
		return err
	}
	return nil
}

// VerifyMount transitions an UNVERIFIED tracer to ACTIVE once its matching
// base device mount has been observed.
func (e *Engine) VerifyMount(ctx context.Context, minor int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	st := t.State()
	if !st.IsUnverified() {
		return nil
	}
	incremental := !st.HasSnapshot()
	cowPath := t.COWPath()
	cacheBytes, _ := t.CacheConfig()
	return e.activateReload(ctx, t, cowPath, cacheBytes, incremental)
}

func (e *Engine) activateReload(ctx context.Context, t *tracer.Tracer, cowPath string, cacheBytes int64, incremental bool) error {
	_, sectCount := t.Geometry()
	mgr, err := cowmgr.Reload(ctx, cowPath, sectCount, cacheBytes, incremental, true)
	if err != nil {
		return err
	}
	t.SetManager(mgr)
	if incremental {
		t.SetState(tracer.Active)
		e.startIncrementalWorkers(t)
	} else {
		t.SetState(tracer.Active | tracer.Snapshot)
		e.startSnapshotWorkers(t)
	}
	return nil
}

// MarkDormant transitions ACTIVE→DORMANT on unmount-of-the-COW-mount:
// stops workers and syncs the manager (sync+close, keep state) but keeps
// the tracer registered so a later remount can reopen it.
func (e *Engine) MarkDormant(ctx context.Context, minor int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	if !t.State().IsActive() {
		return nil
	}
	t.StopWorkers()
	if mgr := t.Manager(); mgr != nil {
		if err := mgr.SyncAndClose(ctx); err != nil {
			return err
		}
	}
	t.SetState(tracer.Dormant)
	return nil
}

// Destroy implements destroy: tears down; fails with BUSY if
// references outstanding.
func (e *Engine) Destroy(ctx context.Context, minor int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	if t.OpenHandles() > 0 {
		return snaptrace.Error{Code: snaptrace.Busy, Err: fmt.Errorf("control: minor %d has open handles", minor)}
	}
	t.StopWorkers()
	if mgr := t.Manager(); mgr != nil {
		_ = mgr.SyncAndFree(ctx)
	}
	// Releases this tracer's share of its disk's installed submitter; the
	// original submit function is restored only once every traced
	// partition of that disk has released (intercept.Registry).
	t.ReleaseInstalledSubmitter()
	e.table.Remove(minor)
	return nil
}

// Submitter returns the submitter a host must install over minor's base
// device in place of its original submit function. Every traced partition
// sharing one disk (SetupParams.DiskKey/ReloadParams.DiskKey) gets a
// submitter that routes through that disk's one shared registry entry.
func (e *Engine) Submitter(minor int) (iopath.Submitter, error) {
	t, ok := e.table.Get(minor)
	if !ok {
		return nil, snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	return t.InstalledSubmitter(), nil
}

// TransitionToIncremental: ACTIVE|SNAPSHOT →
// ACTIVE|!SNAPSHOT. Stops the snapshot worker, truncates the COW file to
// header+index, starts the sset worker. Refuses if the fail state is set.
func (e *Engine) TransitionToIncremental(ctx context.Context, minor int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	st := t.State()
	if !st.IsActive() || !st.HasSnapshot() {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("control: transition_to_incremental requires ACTIVE|SNAPSHOT, have %s", st)}
	}
	if failed, code := t.Failed(); failed {
		return snaptrace.Error{Code: code, Err: fmt.Errorf("control: device is in fail state")}
	}

	if err := t.Quiescer().Freeze(ctx, t.Base()); err != nil {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	defer t.Quiescer().Thaw(ctx, t.Base())

	t.StopWorkers()
	mgr := t.Manager()
	if err := mgr.TruncateToIndex(ctx); err != nil {
		return err
	}
	t.SetState(tracer.Active)
	e.startIncrementalWorkers(t)
	return nil
}

// TransitionToSnapshot: ACTIVE|!SNAPSHOT →
// ACTIVE|SNAPSHOT. Creates a new COW file inheriting the previous UUID and
// seqid+1, swaps workers, then finalizes the old COW file.
func (e *Engine) TransitionToSnapshot(ctx context.Context, minor int, cowPath string, fallocMiB int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	st := t.State()
	if !st.IsActive() || st.HasSnapshot() {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("control: transition_to_snapshot requires ACTIVE|!SNAPSHOT, have %s", st)}
	}
	if failed, code := t.Failed(); failed {
		return snaptrace.Error{Code: code, Err: fmt.Errorf("control: device is in fail state")}
	}

	if err := t.Quiescer().Freeze(ctx, t.Base()); err != nil {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	defer t.Quiescer().Thaw(ctx, t.Base())

	old := t.Manager()
	oldHeader := old.Header()
	_, sectCount := t.Geometry()
	cacheBytes, _ := t.CacheConfig()

	newMgr, err := cowmgr.Init(ctx, cowPath, sectCount, fallocMiB, cacheBytes, false)
	if err != nil {
		return err
	}
	newMgr.BumpSeqID(oldHeader.SeqID)
	// Preserve the chain's UUID across the transition: it stays stable
	// across every COW file in a chain.
	newMgr.SetChainUUID(oldHeader.UUID)

	t.StopWorkers()
	t.SetManager(newMgr)
	t.SetCOWPath(cowPath)
	t.SetCacheConfig(cacheBytes, fallocMiB)
	t.SetState(tracer.Active | tracer.Snapshot)
	e.startSnapshotWorkers(t)

	return old.SyncAndFree(ctx)
}

// Reconfigure: adjusts allowed-in-memory sections.
func (e *Engine) Reconfigure(minor int, cacheBytes int64) error {
	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	_, fallocMiB := t.CacheConfig()
	t.SetCacheConfig(cacheBytes, fallocMiB)
	if mgr := t.Manager(); mgr != nil {
		mgr.Reconfigure(cacheBytes)
	}
	return nil
}

// ReconfigureAutoExpand: permit (or forbid, with
// stepMiB==0) the COW worker to grow the backing file automatically.
func (e *Engine) ReconfigureAutoExpand(minor int, stepMiB, reservedMiB int64, query cowmgr.FreeSpaceQuery) error {
	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	mgr := t.Manager()
	if mgr == nil {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("control: device %d has no active manager", minor)}
	}
	mgr.SetAutoExpand(stepMiB, reservedMiB, query)
	return nil
}

// ExpandCow: grow the backing file manually.
func (e *Engine) ExpandCow(ctx context.Context, minor int, sizeMiB int64) error {
	t, ok := e.table.Get(minor)
	if !ok {
		return snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	mgr := t.Manager()
	if mgr == nil {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("control: device %d has no active manager", minor)}
	}
	return mgr.Expand(ctx, sizeMiB)
}

// Info implements info(minor): a snapshot of tracer state for
// observability.
func (e *Engine) Info(minor int) (Info, error) {
	t, ok := e.table.Get(minor)
	if !ok {
		return Info{}, snaptrace.Error{Code: snaptrace.Nodev, Err: fmt.Errorf("control: no device at minor %d", minor)}
	}
	t.CheckDirtyThreshold()
	return buildInfo(t), nil
}

// GetFreeMinor implements get_free_minor: the lowest unallocated minor.
func (e *Engine) GetFreeMinor() int {
	return e.table.GetFreeMinor()
}

// Table exposes the underlying device table for read-side iteration.
func (e *Engine) Table() *tracer.Table { return e.table }

func (e *Engine) startSnapshotWorkers(t *tracer.Tracer) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	_, origQueue, _ := t.Queues()

	cw := newSnapshotCOWWorker(t)
	wg.Add(1)
	go func() { defer wg.Done(); cw.Run(ctx) }()

	fw := &worker.ForwardWorker{Base: t.Base(), Submit: t.OrigSubmitter(), Queue: origQueue}
	wg.Add(1)
	go func() { defer wg.Done(); fw.Run(ctx) }()

	t.SetStopWorkers(func() {
		cancel()
		wg.Wait()
	})
}

func (e *Engine) startIncrementalWorkers(t *tracer.Tracer) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	_, origQueue, ssetQueue := t.Queues()

	sw := &worker.SSetWorker{
		Manager: t.Manager(),
		Queue:   ssetQueue,
		OnFail:  func(err error) { t.SetFailed(snaptrace.IOErr, err) },
	}
	wg.Add(1)
	go func() { defer wg.Done(); sw.Run(ctx) }()

	fw := &worker.ForwardWorker{Base: t.Base(), Submit: t.OrigSubmitter(), Queue: origQueue}
	wg.Add(1)
	go func() { defer wg.Done(); fw.Run(ctx) }()

	t.SetStopWorkers(func() {
		cancel()
		wg.Wait()
	})
}

// newSnapshotCOWWorker wires worker.COWWorker's Preserve/ServeRead hooks to
// the intercept package's generalized snap_handle_write_bio/
// snap_handle_read_bio implementations. It lives here, in control, rather
// than in tracer or intercept, because it is the one place both packages
// are in scope without a cyclic import (intercept depends on tracer for
// routing decisions; tracer stays free of any intercept/control dependency).
func newSnapshotCOWWorker(t *tracer.Tracer) *worker.COWWorker {
	cowQueue, _, _ := t.Queues()
	return &worker.COWWorker{
		Manager: t.Manager(),
		Queue:   cowQueue,
		Preserve: func(ctx context.Context, mgr *cowmgr.Manager, item *ioqueue.Item) error {
			return intercept.Preserve(ctx, mgr, item.StartSector/cowmgr.SectorsPerBlock, item.Req.Data)
		},
		ServeRead: func(ctx context.Context, mgr *cowmgr.Manager, item *ioqueue.Item) error {
			err := intercept.ServeSnapshotRead(ctx, t, t.Base(), item.Req)
			if item.Req != nil {
				n := 0
				if item.Req.Data != nil {
					n = len(item.Req.Data)
				}
				item.Req.Complete(n, err)
			}
			return err
		},
		OnFail: func(err error) { t.SetFailed(snaptrace.IOErr, err) },
	}
}
