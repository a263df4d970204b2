//go:build linux

package text_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonOS-Community/go-kprobe/text"
)

func TestExecImage(t *testing.T) {
	img, err := text.NewExecImage(4096)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, uint64(4096), img.Size())
	assert.NotZero(t, img.Base())

	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	_, err = img.WriteAt(code, 0)
	require.NoError(t, err)

	require.NoError(t, img.PatchText(0, []byte{0xcc}))
	got := make([]byte, 3)
	_, err = img.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcc, 0x90, 0xc3}, got)

	require.NoError(t, img.Sync(0, 3))
}

func TestExecImageCloseIsIdempotent(t *testing.T) {
	img, err := text.NewExecImage(4096)
	require.NoError(t, err)

	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
}

func TestExecImageRejectsZeroSize(t *testing.T) {
	_, err := text.NewExecImage(0)
	require.Error(t, err)
}
