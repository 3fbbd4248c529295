package cowmgr

import (
	"context"
	"fmt"
	"os"
	"sync"

	snaptrace "github.com/snaptrace/engine"
)

// Manager is the COW manager(component C5): header integrity,
// sectioned index with cache/eviction, and data-region append, all behind
// one mutex — a single-writer on-disk structure with a resident-section
// cache and a back-pointer used only for policy queries.
type Manager struct {
	mu sync.Mutex

	fio    *FileIO
	path   string
	header Header
	idx    *index

	autoExpand *AutoExpand
	freeSpace  FreeSpaceQuery

	// failed is the sticky, one-shot fail state. Once true,
	// every subsequent operation fails fast.
	failed  bool
	failErr error
}

// fail sets the sticky fail state exactly once and returns err: the fail
// code is set exactly once, subsequent sets are no-ops.
func (m *Manager) fail(err error) error {
	if !m.failed {
		m.failed = true
		m.failErr = err
	}
	return err
}

// Failed reports whether the manager has entered its terminal fail state,
// and the error that caused it.
func (m *Manager) Failed() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed, m.failErr
}

// Init implements setup_snapshot's COW-file half (cow_init):
// creates a new backing file, writes a fresh header with a new UUID and
// seqid=1, and pre-allocates the data region to fallocMiB.
func Init(ctx context.Context, path string, baseSectors int64, fallocMiB int64, cacheBytes int64, indexOnly bool) (*Manager, error) {
	fio := NewFileIO()
	if err := fio.Open(ctx, path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644); err != nil {
		return nil, snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	m := &Manager{
		fio:        fio,
		path:       path,
		autoExpand: NewAutoExpand(),
	}
	m.idx = newIndex(fio, baseSectors, cacheBytes, VersionChangedBlocks)
	dataOff := m.dataOffset()
	fileSize := dataOff
	if fallocMiB > 0 {
		fileSize = dataOff + fallocMiB<<20
	}
	if err := fio.Truncate(fileSize); err != nil {
		fio.Close()
		return nil, snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	m.header = initHeader(snaptrace.NewUUID(), fileSize, indexOnly)
	m.header.CurrPos = dataOff / BlockSize
	if err := writeHeader(ctx, fio, m.header); err != nil {
		fio.Close()
		return nil, err
	}
	return m, nil
}

// Reload implements reload_snapshot/reload_incremental's COW-file
// half (cow_reload): reopens an existing file, requiring CLEAN to have been
// set on last close (crash recovery must refuse a file left dirty by an unclean shutdown).
func Reload(ctx context.Context, path string, baseSectors int64, cacheBytes int64, indexOnly bool, resetVmallocUpper bool) (*Manager, error) {
	fio := NewFileIO()
	if err := fio.Open(ctx, path, os.O_RDWR, 0o644); err != nil {
		return nil, snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	m := &Manager{
		fio:        fio,
		path:       path,
		autoExpand: NewAutoExpand(),
	}
	h, err := openHeader(ctx, fio, OpenOptions{IndexOnly: indexOnly, ResetVmallocUpper: resetVmallocUpper})
	if err != nil {
		fio.Close()
		return nil, err
	}
	m.header = h
	m.idx = newIndex(fio, baseSectors, cacheBytes, h.Version)
	return m, nil
}

// SyncAndClose implements cow_sync_and_close: flushes dirty
// sections, writes the header with CLEAN set, and keeps on-disk state
// intact for dormancy/reload. It does not free in-memory state (the
// manager's fields remain readable via Info/NrChangedBlocks until the
// process discards it).
func (m *Manager) SyncAndClose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.idx.flushAll(ctx); err != nil {
		return m.fail(err)
	}
	if err := closeHeader(ctx, m.fio, m.header); err != nil {
		return m.fail(err)
	}
	m.header.Flags |= FlagClean
	if err := m.fio.Sync(); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	return nil
}

// SyncAndFree implements cow_sync_and_free: SyncAndClose, then releases the
// file handle.
func (m *Manager) SyncAndFree(ctx context.Context) error {
	if err := m.SyncAndClose(ctx); err != nil {
		m.fio.Close()
		return err
	}
	return m.fio.Close()
}

// Free implements cow_free, the error-path release: drops the file handle
// without attempting a clean close (so CLEAN remains unset, forcing a
// reload to be rejected — this is intentional on an error
// path, where the on-disk state may not be trustworthy).
func (m *Manager) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fio.Close()
}

// SetAutoExpand arms or disarms automatic backing-file growth (reconfigure_auto_expand).
func (m *Manager) SetAutoExpand(stepMiB, reservedMiB int64, query FreeSpaceQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoExpand.Reconfigure(stepMiB, reservedMiB)
	m.freeSpace = query
}

// Reconfigure adjusts the allowed resident-section budget (reconfigure).
func (m *Manager) Reconfigure(cacheBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idx.allowedSects = newIndex(m.fio, 0, cacheBytes, m.idx.version).allowedSects
	if m.idx.totalSects > 0 {
		// Recompute against the manager's real geometry, not a throwaway index.
		perSectionOverhead := int64(32)
		budget := cacheBytes - int64(m.idx.totalSects)*perSectionOverhead
		allowed := 0
		if budget > 0 {
			allowed = int(budget / SectionBytes)
		}
		m.idx.allowedSects = allowed
	}
}

// ReadMapping exposes index.readMapping for the read path (classification) and for the tracer's info().
func (m *Manager) ReadMapping(ctx context.Context, block int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return 0, snaptrace.Error{Code: snaptrace.IOErr, Err: fmt.Errorf("cowmgr: manager is in fail state")}
	}
	v, err := m.idx.readMapping(ctx, block)
	if err != nil {
		return 0, m.fail(err)
	}
	return v, nil
}

// WriteFillerMapping implements cow_write_filler_mapping: stamps
// the incremental sentinel value (1) into the index for a changed block,
// without copying any data.
func (m *Manager) WriteFillerMapping(ctx context.Context, block int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: fmt.Errorf("cowmgr: manager is in fail state")}
	}
	v, err := m.idx.readMapping(ctx, block)
	if err != nil {
		return m.fail(err)
	}
	if v != MappingUnchanged {
		return nil
	}
	if changed, err := m.idx.writeMapping(ctx, block, MappingIncomplete); err != nil {
		return m.fail(err)
	} else if changed {
		m.header.NrChangedBlocks++
	}
	return nil
}

// Header returns a copy of the manager's current in-memory header state.
func (m *Manager) Header() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// NrChangedBlocks returns the current nr_changed_blocks counter.
func (m *Manager) NrChangedBlocks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.NrChangedBlocks
}

// BumpSeqID increments seqid by exactly one, required on every
// incremental→snapshot transition, and resets nr_changed_blocks.
func (m *Manager) BumpSeqID(prevSeqID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.SeqID = prevSeqID + 1
	m.header.NrChangedBlocks = 0
}

// SetChainUUID adopts uuid as this manager's header UUID, used by
// transition_to_snapshot to keep a chain's UUID stable across COW files.
func (m *Manager) SetChainUUID(uuid snaptrace.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.UUID = uuid
}

// Path returns the backing file path this manager was opened against.
func (m *Manager) Path() string {
	return m.path
}
