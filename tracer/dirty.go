package tracer

import (
	"log/slog"

	"github.com/snaptrace/engine/cowmgr"
)

// dirtyWarnFraction is the nr_changed_blocks/total_blocks ratio past which
// info() invites the operator to re-snapshot.
const dirtyWarnFraction = 0.75

// CheckDirtyThreshold logs a one-time WARN once the fraction of changed
// blocks in a device with a COW manager crosses dirtyWarnFraction. It is
// cheap to call on every info() request: the warning fires at most once per
// tracer, guarded by dirtyWarned.
func (t *Tracer) CheckDirtyThreshold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirtyWarned || t.mgr == nil || t.sectCount == 0 {
		return
	}
	totalBlocks := t.sectCount / cowmgr.SectorsPerBlock
	if totalBlocks == 0 {
		return
	}
	changed := t.mgr.NrChangedBlocks()
	if float64(changed)/float64(totalBlocks) < dirtyWarnFraction {
		return
	}
	t.dirtyWarned = true
	slog.Warn("tracer: changed-block fraction crossed re-snapshot threshold",
		"minor", t.minor, "nr_changed_blocks", changed, "total_blocks", totalBlocks)
}
