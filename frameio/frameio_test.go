package frameio

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/asdetector/reduce"
)

func tempRecorder(t *testing.T) *Recorder {
	t.Helper()
	dir, err := ioutil.TempDir("", "frameio")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return &Recorder{Root: dir, Prefix: "asdet"}
}

func rawFrame(idx int, reset bool) *reduce.RawFrame {
	return &reduce.RawFrame{
		Cam:       0,
		Index:     idx,
		Width:     4,
		Height:    2,
		Reset:     reset,
		Timestamp: time.Now(),
		Data:      []uint16{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func TestWriteRawLayout(t *testing.T) {
	r := tempRecorder(t)
	fn, err := r.WriteRaw("CAMERA0", rawFrame(3, false), nil)
	require.NoError(t, err)
	assert.Equal(t, "asdet.CAMERA0.0003.fits", filepath.Base(fn))
	assert.Contains(t, fn, filepath.Join("CAMERA0", "raw"))

	info, err := os.Stat(fn)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestWriteRawResetFolder(t *testing.T) {
	r := tempRecorder(t)
	fn, err := r.WriteRaw("CAMERA1", rawFrame(0, true), nil)
	require.NoError(t, err)
	assert.Contains(t, fn, filepath.Join("CAMERA1", "reset"))
}

func TestWriteReducedFinalVsIntermediate(t *testing.T) {
	r := tempRecorder(t)
	f := &reduce.ReducedFrame{Cam: 0, Width: 4, Height: 2, Mode: reduce.CDS, First: 0, Last: 4, Data: make([]uint16, 8)}

	fn, err := r.WriteReduced("CAMERA0", f, nil)
	require.NoError(t, err)
	assert.Contains(t, fn, "intermediate")
	assert.Equal(t, "asdet.CAMERA0.res.0004.fits", filepath.Base(fn))

	f.Final = true
	fn, err = r.WriteReduced("CAMERA0", f, nil)
	require.NoError(t, err)
	assert.Contains(t, fn, "reduced")
	assert.Equal(t, "asdet.CAMERA0.reduced.fits", filepath.Base(fn))
}

func TestChecksumTracksData(t *testing.T) {
	a := []uint16{1, 2, 3}
	b := []uint16{1, 2, 4}
	assert.Equal(t, Checksum(a), Checksum(a))
	assert.NotEqual(t, Checksum(a), Checksum(b))
}
