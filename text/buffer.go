package text

import "fmt"

// Range is a synced address range, recorded when sync tracking is on.
type Range struct {
	Addr uint64
	Len  int
}

// Buffer is a heap-backed image for hosted or emulated execution.
// Readers fetch through ordinary data loads, so Sync reduces to the
// fence already issued by PatchText; with tracking enabled it records
// the synced ranges so tests can assert barrier coverage.
type Buffer struct {
	mem

	trackSync bool
	synced    []Range
}

// NewBuffer returns a zeroed Buffer of the given size.
func NewBuffer(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("text: buffer size must be non-zero")
	}
	return &Buffer{mem: mem{b: alignedBytes(size)}}, nil
}

func (b *Buffer) Size() uint64 { return b.mem.size() }

func (b *Buffer) ReadAt(p []byte, addr uint64) (int, error) {
	return b.mem.readAt(p, addr)
}

func (b *Buffer) WriteAt(p []byte, addr uint64) (int, error) {
	return b.mem.writeAt(p, addr)
}

func (b *Buffer) PatchText(addr uint64, insn []byte) error {
	return b.mem.patchText(addr, insn)
}

func (b *Buffer) Sync(addr uint64, n int) error {
	if b.trackSync {
		b.synced = append(b.synced, Range{Addr: addr, Len: n})
	}
	return nil
}

// Bytes returns the live backing memory. Intended for inspection;
// mutating it bypasses the patch contract.
func (b *Buffer) Bytes() []byte { return b.mem.b }

// TrackSync enables or disables recording of Sync calls and clears any
// recorded ranges.
func (b *Buffer) TrackSync(on bool) {
	b.trackSync = on
	b.synced = nil
}

// SyncedRanges returns the ranges passed to Sync since tracking was
// enabled.
func (b *Buffer) SyncedRanges() []Range { return b.synced }
