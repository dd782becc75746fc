package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeinterlaceTwoChannels(t *testing.T) {
	// one row, 6 columns, 2 channels.  channel 0 owns physical columns
	// 0,2,4 and reads left to right; channel 1 owns 1,3,5 and reads right
	// to left.
	src := []uint16{0, 10, 1, 11, 2, 12}
	dst := make([]uint16, 6)
	err := Deinterlace(dst, src, 6, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 12, 11, 10}, dst)
}

func TestDeinterlaceBadGeometry(t *testing.T) {
	err := Deinterlace(make([]uint16, 6), make([]uint16, 6), 6, 1, 4)
	assert.Error(t, err)

	err = Deinterlace(make([]uint16, 5), make([]uint16, 6), 6, 1, 2)
	assert.Error(t, err)
}

func TestInterleaveRoundTrip(t *testing.T) {
	const (
		cams   = 3
		width  = 4
		height = 2
	)
	tab, err := NewInterleaveTable(cams, width, width*height)
	require.NoError(t, err)

	frames := make([][]uint16, cams)
	for c := range frames {
		frames[c] = make([]uint16, width*height)
		for i := range frames[c] {
			frames[c][i] = uint16(c*1000 + i)
		}
	}

	combined, err := tab.Interleave(frames)
	require.NoError(t, err)
	assert.Len(t, combined, tab.TotalSize())

	back, err := tab.Deinterleave(combined)
	require.NoError(t, err)
	assert.Equal(t, frames, back)
}

func TestDeinterleaveBlockOrder(t *testing.T) {
	// two cams, block size 2, one block per cam
	tab, err := NewInterleaveTable(2, 2, 2)
	require.NoError(t, err)
	out, err := tab.Deinterleave([]uint16{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, out[0])
	assert.Equal(t, []uint16{3, 4}, out[1])
}

func TestDeinterleaveLengthMismatch(t *testing.T) {
	tab, err := NewInterleaveTable(2, 2, 4)
	require.NoError(t, err)
	_, err = tab.Deinterleave(make([]uint16, 7))
	assert.Error(t, err)
}
