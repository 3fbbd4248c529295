package cowmgr

import (
	"context"
	"fmt"

	snaptrace "github.com/snaptrace/engine"
)

// dataOffset returns the byte offset where the append-only data region
// begins ("header_size + total_sections × section_size × 8 bytes").
func (m *Manager) dataOffset() int64 {
	return HeaderSize + int64(m.idx.totalSects)*SectionBytes
}

// WriteCurrent implements write_current / cow_write_current:
// preserve block's current base-device contents (buf) at the next free data
// slot, unless it is already preserved (idempotent: a block is preserved at most once).
func (m *Manager) WriteCurrent(ctx context.Context, block int64, buf []byte) error {
	if len(buf) != BlockSize {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("cowmgr: buffer must be %d bytes, got %d", BlockSize, len(buf))}
	}
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
		// Already preserved (or incremental sentinel): no-op.
		return nil
	}

	pos := m.header.CurrPos
	if changed, err := m.idx.writeMapping(ctx, block, uint64(pos)); err != nil {
		return m.fail(err)
	} else if changed {
		m.header.NrChangedBlocks++
	}

	if err := m.ensureRoomFor(ctx, pos); err != nil {
		return err
	}

	if _, err := m.fio.WriteAt(ctx, buf, pos*BlockSize); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	m.header.CurrPos++
	return nil
}

// ensureRoomFor grows the backing file when the data region is exhausted,
// via the armed auto-expand allowance.
func (m *Manager) ensureRoomFor(ctx context.Context, pos int64) error {
	needBytes := (pos + 1) * BlockSize
	if needBytes <= m.header.FileSize {
		return nil
	}
	allowance := m.autoExpand.GetAllowance(m.freeSpace)
	if allowance <= 0 {
		return m.fail(snaptrace.Error{Code: snaptrace.Fbig, Err: fmt.Errorf("cowmgr: data region full and auto-expand not permitted")})
	}
	newSize := m.header.FileSize + allowance
	if err := m.fio.Truncate(newSize); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	m.header.FileSize = newSize
	return nil
}

// ReadData implements read_data: reads len(p) bytes from the
// data region at blockPos*BlockSize + blockOff.
func (m *Manager) ReadData(ctx context.Context, p []byte, blockPos int64, blockOff int) error {
	if blockOff >= BlockSize {
		return snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("cowmgr: block offset %d >= block size %d", blockOff, BlockSize)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.fio.ReadAt(ctx, p, blockPos*BlockSize+int64(blockOff)); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	return nil
}

// TruncateToIndex: sets INDEX_ONLY, truncates the
// file to the data offset, updates file_size. Used on the snapshot →
// incremental transition to reclaim preserved-data disk space.
func (m *Manager) TruncateToIndex(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := m.dataOffset()
	if err := m.fio.Truncate(off); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	m.header.Flags |= FlagIndexOnly
	m.header.FileSize = off
	m.header.CurrPos = off / BlockSize
	m.idx.version = m.header.Version
	return nil
}
