package cowmgr

import (
	"context"

	snaptrace "github.com/snaptrace/engine"
)

// Expand grows the backing file by addMiB MiB, for the manual expand_cow
// control-plane operation, as opposed to the COW worker's
// automatic growth via AutoExpand (§4.5.6).
func (m *Manager) Expand(ctx context.Context, addMiB int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return m.failErr
	}
	newSize := m.header.FileSize + addMiB<<20
	if err := m.fio.Truncate(newSize); err != nil {
		return m.fail(snaptrace.Error{Code: snaptrace.IOErr, Err: err})
	}
	m.header.FileSize = newSize
	return nil
}
