package cowmgr

import (
	"context"
	"encoding/binary"

	snaptrace "github.com/snaptrace/engine"
)

// MappingsPerSection and SectionBytes define the index's caching unit
// ("sections of 4096 mappings each (32 KiB per section)").
const (
	MappingsPerSection = 4096
	SectionBytes       = MappingsPerSection * 8
)

// Reserved mapping sentinels: 0 = unchanged, 1 = changed-but-not-preserved.
// Preserved-data positions start at the data region's first block, past the
// header and the index, so a real mapping never takes either value.
const (
	MappingUnchanged  uint64 = 0
	MappingIncomplete uint64 = 1
)

// section is the cache unit of the index: a resident slice of
// MappingsPerSection mapping entries. Only resident
// sections are kept in index.sections; whether a section has ever held
// data survives eviction in index.hadData instead.
type section struct {
	idx      int
	mappings []uint64
	usage    uint64
	dirty    bool
}

// index is the two-level cached sectioned index.
type index struct {
	fio          *FileIO
	totalSects   int
	allowedSects int
	sections     map[int]*section
	// hadData records, per section, the on-disk has_data bit:
	// whether the section has ever been touched. It persists across eviction.
	hadData []bool
	version uint64
}

// newIndex computes totalSects from the base device's sector count and
// allowedSects from the configured cache byte budget,.2:
//
//	total_sects   = ceil(base_sectors / (section_size * 8))
//	allowed_sects = floor((cache_bytes - total_sects*sizeof(section_record)) / (section_size * 8))
func newIndex(fio *FileIO, baseSectors int64, cacheBytes int64, version uint64) *index {
	mappingsNeeded := (baseSectors + 7) / 8 // one mapping per COW block (8 sectors)
	totalSects := int((mappingsNeeded + MappingsPerSection - 1) / MappingsPerSection)
	if totalSects < 1 {
		totalSects = 1
	}
	const sectionRecordOverhead = 32 // usage/hasData/dirty/idx bookkeeping, in bytes
	budget := cacheBytes - int64(totalSects)*sectionRecordOverhead
	allowed := 0
	if budget > 0 {
		allowed = int(budget / SectionBytes)
	}
	return &index{
		fio:          fio,
		totalSects:   totalSects,
		allowedSects: allowed,
		sections:     make(map[int]*section, allowed+1),
		hadData:      make([]bool, totalSects),
		version:      version,
	}
}

func sectionOffset(idx int) int64 {
	return HeaderSize + int64(idx)*SectionBytes
}

// ensureResident loads (or zero-allocates) a section into memory, per spec
// §4.5.2 steps 3: "if has_data is clear, [new section]; else allocate and
// load from disk".
func (x *index) ensureResident(ctx context.Context, idx int) (*section, error) {
	if s, ok := x.sections[idx]; ok {
		return s, nil
	}
	s := &section{idx: idx, mappings: make([]uint64, MappingsPerSection)}
	if x.hadData[idx] {
		if err := x.load(ctx, s); err != nil {
			return nil, err
		}
	}
	x.sections[idx] = s
	return s, nil
}

func (x *index) load(ctx context.Context, s *section) error {
	buf := x.fio.AlignedBlock(SectionBytes)
	if _, err := x.fio.ReadAt(ctx, buf, sectionOffset(s.idx)); err != nil {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	for i := range s.mappings {
		s.mappings[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return nil
}

func (x *index) flush(ctx context.Context, s *section) error {
	if !s.dirty {
		return nil
	}
	buf := x.fio.AlignedBlock(SectionBytes)
	for i, v := range s.mappings {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	if _, err := x.fio.WriteAt(ctx, buf, sectionOffset(s.idx)); err != nil {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	s.dirty = false
	x.hadData[s.idx] = true
	return nil
}

// readMapping implements read_mapping: unresident, untouched
// sections answer 0 ("unchanged") without allocating.
func (x *index) readMapping(ctx context.Context, pos int64) (uint64, error) {
	sectIdx, sectPos := int(pos/MappingsPerSection), int(pos%MappingsPerSection)
	if _, resident := x.sections[sectIdx]; !resident && !x.hadData[sectIdx] {
		return MappingUnchanged, nil
	}
	s, err := x.ensureResident(ctx, sectIdx)
	if err != nil {
		return 0, err
	}
	s.usage++
	v := s.mappings[sectPos]
	if err := x.maybeEvict(ctx); err != nil {
		return 0, err
	}
	return v, nil
}

// writeMapping implements write_mapping, including the
// nr_changed_blocks bookkeeping (only for version >= CHANGED_BLOCKS).
func (x *index) writeMapping(ctx context.Context, pos int64, v uint64) (changedFirstTime bool, err error) {
	sectIdx, sectPos := int(pos/MappingsPerSection), int(pos%MappingsPerSection)
	s, err := x.ensureResident(ctx, sectIdx)
	if err != nil {
		return false, err
	}
	prev := s.mappings[sectPos]
	if x.version >= VersionChangedBlocks && prev == MappingUnchanged && v != MappingUnchanged {
		changedFirstTime = true
	}
	s.mappings[sectPos] = v
	s.dirty = true
	s.usage++
	if err := x.maybeEvict(ctx); err != nil {
		return changedFirstTime, err
	}
	return changedFirstTime, nil
}

// maybeEvict triggers eviction once allocated sections exceed allowedSects.
func (x *index) maybeEvict(ctx context.Context) error {
	if len(x.sections) <= x.allowedSects {
		return nil
	}
	return x.evict(ctx)
}

// evict implements adaptive-median threshold: find the
// maximum usage, then binary-search-refine a threshold so that roughly half
// of resident sections fall at-or-below it, flush and free those, and zero
// every section's usage counter afterward.
func (x *index) evict(ctx context.Context) error {
	if len(x.sections) == 0 {
		return nil
	}
	var maxUsage uint64
	for _, s := range x.sections {
		if s.usage > maxUsage {
			maxUsage = s.usage
		}
	}
	threshold := maxUsage / 2
	granularity := maxUsage/2 + 1
	for granularity > 0 {
		var below, above int
		for _, s := range x.sections {
			if s.usage <= threshold {
				below++
			} else {
				above++
			}
		}
		granularity /= 2
		if below == above || granularity == 0 {
			break
		}
		if below < above {
			threshold += granularity
		} else {
			if granularity > threshold {
				threshold = 0
			} else {
				threshold -= granularity
			}
		}
	}

	target := x.allowedSects / 2
	for idx, s := range x.sections {
		if len(x.sections) <= target {
			break
		}
		if s.usage > threshold {
			continue
		}
		if err := x.flush(ctx, s); err != nil {
			return err
		}
		delete(x.sections, idx)
	}
	for _, s := range x.sections {
		s.usage = 0
	}
	return nil
}

// flushAll writes back every dirty resident section, used by close paths.
func (x *index) flushAll(ctx context.Context) error {
	for _, s := range x.sections {
		if err := x.flush(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
