// Package tracer implements the per-device lifecycle and state machine: a
// minor-indexed controller that owns a COW manager, its workers, its
// queues, and a snapshot block device, and exposes the eight control-plane
// operations as its contract — a single mutex-guarded controller with a
// bitset-driven state machine rather than a CRUD store.
package tracer

// State is the per-device state bitset: "UNVERIFIED; DORMANT = no
// flags; ACTIVE|SNAPSHOT; ACTIVE|!SNAPSHOT". Unverified and Active are
// mutually exclusive top-level phases; Snapshot is an orthogonal mode bit
// that is meaningful within both.
type State uint8

const (
	// Dormant is the zero value: base was mounted, now unmounted; COW closed
	// but preserved on disk.
	Dormant State = 0

	// Unverified marks a device registered against a base device that is not
	// currently mounted; it is waiting for a matching mount event.
	Unverified State = 1 << iota

	// Active marks a device whose base is mounted and whose interceptor is
	// installed.
	Active

	// Snapshot marks snapshot mode (tracing writes, serving snapshot reads)
	// as opposed to incremental mode (recording changed-block placeholders
	// only).
	Snapshot
)

func (s State) String() string {
	var phase string
	switch {
	case s&Unverified != 0:
		phase = "UNVERIFIED"
	case s&Active != 0:
		phase = "ACTIVE"
	default:
		phase = "DORMANT"
	}
	if s == Dormant {
		return phase
	}
	if s&Snapshot != 0 {
		return phase + "|SNAPSHOT"
	}
	return phase + "|!SNAPSHOT"
}

// HasSnapshot reports whether the snapshot-mode bit is set.
func (s State) HasSnapshot() bool { return s&Snapshot != 0 }

// IsActive reports whether the device is in the ACTIVE phase.
func (s State) IsActive() bool { return s&Active != 0 }

// IsUnverified reports whether the device is waiting for its base mount.
func (s State) IsUnverified() bool { return s&Unverified != 0 }

// IsDormant reports whether the device is closed-but-preserved.
func (s State) IsDormant() bool { return s == Dormant }
