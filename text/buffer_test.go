package text_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonOS-Community/go-kprobe/text"
)

func TestBufferReadWrite(t *testing.T) {
	img, err := text.NewBuffer(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), img.Size())

	payload := []byte{0x90, 0x90, 0xc3}
	n, err := img.WriteAt(payload, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := make([]byte, 3)
	n, err = img.ReadAt(got, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, payload, got)
}

func TestBufferReadTruncation(t *testing.T) {
	img, err := text.NewBuffer(16)
	require.NoError(t, err)

	// A read running off the end returns the bytes read and io.EOF.
	buf := make([]byte, 8)
	n, err := img.ReadAt(buf, 12)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = img.ReadAt(buf, 16)
	assert.ErrorIs(t, err, text.ErrOutOfRange)

	_, err = img.WriteAt(buf, 12)
	assert.ErrorIs(t, err, text.ErrOutOfRange)
}

func TestPatchText(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		insn []byte
		err  error
	}{
		{name: "single byte", addr: 0x05, insn: []byte{0xcc}},
		{name: "two bytes aligned", addr: 0x02, insn: []byte{0x02, 0x90}},
		{name: "four bytes at word start", addr: 0x08, insn: []byte{0x73, 0x00, 0x10, 0x00}},
		{name: "four bytes at mod-8 offset 2", addr: 0x0a, insn: []byte{0x73, 0x00, 0x10, 0x00}},
		{name: "eight bytes aligned", addr: 0x10, insn: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{name: "empty", addr: 0x00, insn: nil, err: text.ErrBadPatch},
		{name: "over eight bytes", addr: 0x00, insn: make([]byte, 9), err: text.ErrBadPatch},
		{name: "odd multi-byte length", addr: 0x00, insn: []byte{1, 2, 3}, err: text.ErrBadPatch},
		{name: "multi-byte at odd address", addr: 0x01, insn: []byte{1, 2}, err: text.ErrBadPatch},
		{name: "crosses word boundary", addr: 0x06, insn: []byte{0x73, 0x00, 0x10, 0x00}, err: text.ErrBadPatch},
		{name: "out of range", addr: 0x40, insn: []byte{0xcc}, err: text.ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := text.NewBuffer(64)
			require.NoError(t, err)
			for i := range img.Bytes() {
				img.Bytes()[i] = 0xee
			}

			err = img.PatchText(tt.addr, tt.insn)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				// A rejected patch leaves the image untouched.
				for _, b := range img.Bytes() {
					require.Equal(t, byte(0xee), b)
				}
				return
			}
			require.NoError(t, err)

			got := make([]byte, len(tt.insn))
			_, err = img.ReadAt(got, tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.insn, got)

			// Neighbouring bytes in the same word are preserved.
			for i, b := range img.Bytes() {
				if uint64(i) >= tt.addr && uint64(i) < tt.addr+uint64(len(tt.insn)) {
					continue
				}
				assert.Equal(t, byte(0xee), b, "byte %#x disturbed", i)
			}
		})
	}
}

func TestBufferSyncTracking(t *testing.T) {
	img, err := text.NewBuffer(64)
	require.NoError(t, err)

	require.NoError(t, img.Sync(0x10, 4))
	assert.Empty(t, img.SyncedRanges(), "tracking off by default")

	img.TrackSync(true)
	require.NoError(t, img.Sync(0x10, 4))
	require.NoError(t, img.Sync(0x20, 2))
	assert.Equal(t, []text.Range{{Addr: 0x10, Len: 4}, {Addr: 0x20, Len: 2}}, img.SyncedRanges())

	img.TrackSync(false)
	assert.Empty(t, img.SyncedRanges())
}
