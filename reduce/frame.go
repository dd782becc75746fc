package reduce

import "fmt"

// Deinterlace reorders a readout-channel multiplexed frame into image order.
// The detector shifts one pixel per channel per clock, so physical readout
// order places channel c at columns c, c+nch, c+2*nch, ...  Even channels
// read out left to right and odd channels right to left.  dst and src must
// both have length width*height and must not alias.
func Deinterlace(dst, src []uint16, width, height, channels int) error {
	if channels <= 0 || width%channels != 0 {
		return fmt.Errorf("deinterlace: width %d not divisible by %d channels", width, channels)
	}
	if len(src) != width*height || len(dst) != width*height {
		return fmt.Errorf("deinterlace: buffer length %d does not match %dx%d", len(src), width, height)
	}
	chPix := width / channels
	for r := 0; r < height; r++ {
		row := r * width
		for c := 0; c < channels; c++ {
			for k := 0; k < chPix; k++ {
				srcCol := c + k*channels
				var dstCol int
				if c%2 == 0 {
					dstCol = c*chPix + k
				} else {
					dstCol = (c+1)*chPix - 1 - k
				}
				dst[row+dstCol] = src[row+srcCol]
			}
		}
	}
	return nil
}

// InterleaveTable describes how a combined multi-ASIC science transaction is
// split into per-camera buffers.  The hardware emits blocks of blockSize
// samples round-robin across the ASICs: block b of the combined buffer
// belongs to ASIC b mod n.
type InterleaveTable struct {
	// Cams is the number of ASICs multiplexed into one transaction
	Cams int

	// BlockSize is the number of samples per readout block, typically one row
	BlockSize int

	// FrameSize is the per-camera sample count, width*height
	FrameSize int
}

// NewInterleaveTable validates the geometry and returns a table.
func NewInterleaveTable(cams, blockSize, frameSize int) (InterleaveTable, error) {
	t := InterleaveTable{Cams: cams, BlockSize: blockSize, FrameSize: frameSize}
	if cams < 1 || blockSize < 1 || frameSize < 1 {
		return t, fmt.Errorf("interleave: non-positive geometry %+v", t)
	}
	if frameSize%blockSize != 0 {
		return t, fmt.Errorf("interleave: frame size %d not divisible by block size %d", frameSize, blockSize)
	}
	return t, nil
}

// TotalSize is the combined transaction size in samples.
func (t InterleaveTable) TotalSize() int { return t.Cams * t.FrameSize }

// Deinterleave splits a combined buffer into per-camera buffers.  The
// returned slices are freshly allocated and ordered by ASIC slot.
func (t InterleaveTable) Deinterleave(combined []uint16) ([][]uint16, error) {
	if len(combined) != t.TotalSize() {
		return nil, fmt.Errorf("deinterleave: combined length %d, want %d", len(combined), t.TotalSize())
	}
	out := make([][]uint16, t.Cams)
	for c := range out {
		out[c] = make([]uint16, t.FrameSize)
	}
	blocks := len(combined) / t.BlockSize
	perCam := make([]int, t.Cams)
	for b := 0; b < blocks; b++ {
		cam := b % t.Cams
		src := combined[b*t.BlockSize : (b+1)*t.BlockSize]
		copy(out[cam][perCam[cam]:], src)
		perCam[cam] += t.BlockSize
	}
	return out, nil
}

// Interleave is the inverse of Deinterleave.  It is used by the simulator
// and by round-trip tests.
func (t InterleaveTable) Interleave(frames [][]uint16) ([]uint16, error) {
	if len(frames) != t.Cams {
		return nil, fmt.Errorf("interleave: %d frames, want %d", len(frames), t.Cams)
	}
	for c, f := range frames {
		if len(f) != t.FrameSize {
			return nil, fmt.Errorf("interleave: frame %d length %d, want %d", c, len(f), t.FrameSize)
		}
	}
	combined := make([]uint16, t.TotalSize())
	blocksPerCam := t.FrameSize / t.BlockSize
	for c := 0; c < t.Cams; c++ {
		for j := 0; j < blocksPerCam; j++ {
			dst := (j*t.Cams + c) * t.BlockSize
			copy(combined[dst:dst+t.BlockSize], frames[c][j*t.BlockSize:(j+1)*t.BlockSize])
		}
	}
	return combined, nil
}
