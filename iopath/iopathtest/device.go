// Package iopathtest provides an in-memory iopath.BlockDevice fake shared by
// the tracer, worker, intercept, and control packages' tests, standing in
// for a real base volume the way httptest.Server stands in for a real
// listener.
package iopathtest

import (
	"context"
	"sync"
)

// MemDevice is a fixed-size, zero-initialized in-memory block device.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
	sect int
}

// NewMemDevice allocates a device of sectCount sectors of sectSize bytes.
func NewMemDevice(sectCount int64, sectSize int) *MemDevice {
	return &MemDevice{data: make([]byte, sectCount*int64(sectSize)), sect: sectSize}
}

func (d *MemDevice) ReadAt(ctx context.Context, p []byte, offSectors int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := offSectors * int64(d.sect)
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *MemDevice) WriteAt(ctx context.Context, p []byte, offSectors int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := offSectors * int64(d.sect)
	n := copy(d.data[off:], p)
	return n, nil
}

func (d *MemDevice) SectorSize() int    { return d.sect }
func (d *MemDevice) SectorCount() int64 { return int64(len(d.data)) / int64(d.sect) }

// Fill sets every byte from offSectors onward to b, for seeding base-device
// content a snapshot read should observe.
func (d *MemDevice) Fill(offSectors int64, b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := offSectors * int64(d.sect)
	for i := off; i < int64(len(d.data)); i++ {
		d.data[i] = b
	}
}

// Bytes returns a copy of the device's full backing buffer, for assertions.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}
