// Package cowmgr implements the COW manager: the on-disk header,
// two-level cached sectioned index, and append-only data region that back a
// single COW file — a sectioned, hash/offset-addressed on-disk structure
// with a resident-section cache and direct I/O.
package cowmgr

import (
	"context"
	"encoding/binary"
	"fmt"

	snaptrace "github.com/snaptrace/engine"
)

// BlockSize is the fixed COW-block size.
const BlockSize = 4096

// SectorsPerBlock is the number of 512-byte base-device sectors per COW
// block ("8 sectors = 1 COW block").
const SectorsPerBlock = BlockSize / 512

// HeaderSize is the fixed on-disk header size.
const HeaderSize = 4096

const magic uint32 = 4776

// Flag bits within the header's flag word.
const (
	FlagClean        uint32 = 1 << 0
	FlagIndexOnly    uint32 = 1 << 1
	FlagVmallocUpper uint32 = 1 << 2
)

// Version values for the header's format-version field.
const (
	VersionOriginal      uint64 = 0
	VersionChangedBlocks uint64 = 1
)

// Header is the in-memory mirror of the first 4096 bytes of the backing
// file.
type Header struct {
	Flags           uint32
	CurrPos         int64 // blocks from file start
	FileSize        int64 // bytes
	SeqID           uint64
	UUID            snaptrace.UUID
	Version         uint64
	NrChangedBlocks uint64
}

// Clean reports whether the CLEAN bit is set.
func (h Header) Clean() bool { return h.Flags&FlagClean != 0 }

// IndexOnly reports whether the INDEX_ONLY bit is set.
func (h Header) IndexOnly() bool { return h.Flags&FlagIndexOnly != 0 }

// VmallocUpper reports whether the VMALLOC_UPPER bit is set.
func (h Header) VmallocUpper() bool { return h.Flags&FlagVmallocUpper != 0 }

// encode serializes the header into a HeaderSize-byte buffer. The remaining
// bytes (offset 64..4095) are the reserved region and are left zeroed.
func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.CurrPos))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.FileSize))
	binary.LittleEndian.PutUint64(buf[24:32], h.SeqID)
	copy(buf[32:48], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[48:56], h.Version)
	binary.LittleEndian.PutUint64(buf[56:64], h.NrChangedBlocks)
	return buf
}

// decodeHeader parses a HeaderSize-byte buffer, validating the magic number.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("cowmgr: header buffer too small (%d bytes)", len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != magic {
		return Header{}, snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("bad magic %d, want %d", got, magic)}
	}
	var h Header
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.CurrPos = int64(binary.LittleEndian.Uint64(buf[8:16]))
	h.FileSize = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.SeqID = binary.LittleEndian.Uint64(buf[24:32])
	copy(h.UUID[:], buf[32:48])
	h.Version = binary.LittleEndian.Uint64(buf[48:56])
	h.NrChangedBlocks = binary.LittleEndian.Uint64(buf[56:64])
	return h, nil
}

// OpenOptions controls openHeader's behavior.
type OpenOptions struct {
	// IndexOnly is the caller's expectation (snapshot reload wants false,
	// incremental reload wants true); a mismatch is rejected as INVAL.
	IndexOnly bool
	// ResetVmallocUpper, when true, clears the VMALLOC_UPPER bit on load
	// regardless of its on-disk value (open question: the bit is
	// advisory about past allocation and always reset to the reloading
	// process's preference).
	ResetVmallocUpper bool
}

// openHeader reads and validates the header at the front of fio, then
// immediately rewrites it with CLEAN cleared (the manager is now "dirty"
// until a matching closeHeader). This mirrors open_header.
func openHeader(ctx context.Context, fio *FileIO, opts OpenOptions) (Header, error) {
	buf := fio.AlignedBlock(HeaderSize)
	if _, err := fio.ReadAt(ctx, buf, 0); err != nil {
		return Header{}, snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if !h.Clean() {
		return Header{}, snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("cow file not left in clean state")}
	}
	if h.IndexOnly() != opts.IndexOnly {
		return Header{}, snaptrace.Error{Code: snaptrace.Inval, Err: fmt.Errorf("index-only mismatch: file=%v want=%v", h.IndexOnly(), opts.IndexOnly)}
	}
	if opts.ResetVmallocUpper {
		h.Flags &^= FlagVmallocUpper
	}
	// Mark dirty immediately: any crash between here and a clean close must
	// cause the next reload to be rejected.
	h.Flags &^= FlagClean
	if err := writeHeader(ctx, fio, h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// writeHeader serializes and writes h at offset 0.
func writeHeader(ctx context.Context, fio *FileIO, h Header) error {
	buf := fio.AlignedBlock(HeaderSize)
	copy(buf, h.encode())
	if _, err := fio.WriteAt(ctx, buf, 0); err != nil {
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	}
	return nil
}

// closeHeader writes h with CLEAN set, the marker a clean shutdown leaves
// behind so a later reload knows the file wasn't left mid-write.
func closeHeader(ctx context.Context, fio *FileIO, h Header) error {
	h.Flags |= FlagClean
	return writeHeader(ctx, fio, h)
}

// initHeader builds a brand-new header for cow_init (setup_snapshot):
// fresh UUID, seqid=1, CLEAN cleared (the file is immediately "open"/dirty
// until the matching close).
func initHeader(uuid snaptrace.UUID, fileSize int64, indexOnly bool) Header {
	var flags uint32
	if indexOnly {
		flags |= FlagIndexOnly
	}
	return Header{
		Flags:    flags,
		CurrPos:  0,
		FileSize: fileSize,
		SeqID:    1,
		UUID:     uuid,
		Version:  VersionChangedBlocks,
	}
}
