package cowmgr

import "sync"

// AutoExpand is the optional side-car controlling automatic backing-file
// growth. It carries its own mutex because it is read from the COW worker
// and written by reconfigure.
type AutoExpand struct {
	mu         sync.Mutex
	armed      bool
	stepMiB    int64
	reservedMB int64
}

// NewAutoExpand returns a disarmed side-car.
func NewAutoExpand() *AutoExpand {
	return &AutoExpand{}
}

// Reconfigure arms (stepMiB > 0) or disarms (stepMiB == 0) automatic growth.
func (a *AutoExpand) Reconfigure(stepMiB, reservedMiB int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = stepMiB > 0
	a.stepMiB = stepMiB
	a.reservedMB = reservedMiB
}

// FreeSpaceQuery reports available space on the backing file's filesystem,
// in BlockSize units. The host environment supplies a real implementation
// (e.g. via syscall.Statfs); it may be nil, in which case GetAllowance
// falls back to the reserved-only heuristic
type FreeSpaceQuery func() (availableBlocks int64, err error)

// GetAllowance implements get_allowance: returns step_MiB in
// bytes iff ceil((step+reserved) MiB / block_size) <= available_blocks,
// else 0. When query is nil, the fallback variant permits expansion only
// when reserved_MiB == 0.
func (a *AutoExpand) GetAllowance(query FreeSpaceQuery) int64 {
	a.mu.Lock()
	armed, step, reserved := a.armed, a.stepMiB, a.reservedMB
	a.mu.Unlock()
	if !armed || step <= 0 {
		return 0
	}
	stepBytes := step << 20
	if query == nil {
		if reserved == 0 {
			return stepBytes
		}
		return 0
	}
	available, err := query()
	if err != nil {
		return 0
	}
	neededBlocks := (((step + reserved) << 20) + BlockSize - 1) / BlockSize
	if neededBlocks <= available {
		return stepBytes
	}
	return 0
}

// Armed reports whether automatic expansion is currently enabled.
func (a *AutoExpand) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}
