package control

import (
	"encoding/json"

	"github.com/snaptrace/engine/tracer"
)

// Info is the observability record: "{minor, state_bits,
// error_code, cache_size, falloc_size, seqid, uuid, cow_path, bdev_path,
// version, nr_changed_blocks}", rendered as one JSON object per device the
// way a /proc status callback would.
type Info struct {
	Minor           int    `json:"minor"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
	CowPath         string `json:"cow_file"`
	BdevPath        string `json:"block_device"`
	MaxCacheBytes   int64  `json:"max_cache"`
	FallocBytes     int64  `json:"fallocate,omitempty"`
	SeqID           uint64 `json:"seq_id,omitempty"`
	UUID            string `json:"uuid,omitempty"`
	Version         uint64 `json:"version,omitempty"`
	NrChangedBlocks uint64 `json:"nr_changed_blocks,omitempty"`
}

// String renders Info the way dattobd_proc_show renders one device: an
// indented JSON object.
func (i Info) String() string {
	b, err := json.MarshalIndent(i, "", "\t")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// buildInfo assembles an Info record for t, taking its COW manager's header
// snapshot if one is bound.
func buildInfo(t *tracer.Tracer) Info {
	cacheBytes, fallocMiB := t.CacheConfig()
	info := Info{
		Minor:         t.Minor(),
		State:         t.State().String(),
		CowPath:       t.COWPath(),
		BdevPath:      t.BdevPath(),
		MaxCacheBytes: cacheBytes,
	}
	if failed, code := t.Failed(); failed {
		info.Error = code.String()
	}
	if !t.State().IsUnverified() {
		info.FallocBytes = fallocMiB << 20
		if mgr := t.Manager(); mgr != nil {
			h := mgr.Header()
			info.SeqID = h.SeqID
			info.UUID = h.UUID.String()
			if h.Version > 0 {
				info.Version = h.Version
				info.NrChangedBlocks = h.NrChangedBlocks
			}
		}
	}
	return info
}
