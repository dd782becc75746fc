/*Package reduce implements frame reduction for up-the-ramp sampled detectors.

A single exposure produces a sequence of non-destructive raw reads per camera.
This package combines such a sequence into a single science product using a
selectable sampling algorithm (CDS, SSR, Fowler-N, or an element-wise frame
statistic), and provides the
deinterlace and deinterleave primitives that turn the multiplexed readout
buffers from the hardware into per-camera, image-ordered frames.

Reduction operates on raw 16-bit samples.  Averaging is carried out in wider
precision and the result is requantized to 16 bits, saturating at the limits
of the sample range rather than wrapping.
*/
package reduce

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Mode selects the sampling algorithm used to combine a ramp into a single frame.
type Mode int

// The supported reduction modes.
const (
	// CDS is correlated double sampling, last frame minus first frame
	CDS Mode = iota

	// SSR is single sample read, the last frame alone
	SSR

	// Fowler2..Fowler16 average N frames at each end of the ramp
	// before differencing
	Fowler2
	Fowler4
	Fowler8
	Fowler16

	// Mean, Median, Min and Max combine the ramp with an element-wise
	// statistic over all science frames
	Mean
	Median
	Min
	Max
)

var modeNames = map[Mode]string{
	CDS:      "CDS",
	SSR:      "SSR",
	Fowler2:  "FOWLER2",
	Fowler4:  "FOWLER4",
	Fowler8:  "FOWLER8",
	Fowler16: "FOWLER16",
	Mean:     "MEAN",
	Median:   "MEDIAN",
	Min:      "MIN",
	Max:      "MAX",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// FowlerN returns the number of frames averaged at each end of the ramp,
// or zero if m is not a Fowler mode.
func (m Mode) FowlerN() int {
	switch m {
	case Fowler2:
		return 2
	case Fowler4:
		return 4
	case Fowler8:
		return 8
	case Fowler16:
		return 16
	}
	return 0
}

// MinFrames returns the smallest science frame count m can reduce.
func (m Mode) MinFrames() int {
	if n := m.FowlerN(); n > 0 {
		return 2 * n
	}
	if m == CDS {
		return 2
	}
	return 1
}

// ParseMode converts a mode name, case-insensitively, to a Mode.
func ParseMode(s string) (Mode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return CDS, fmt.Errorf("unknown reduction mode %q", s)
}

// ErrInsufficientFrames is generated when a ramp is too short for the
// requested reduction mode.
type ErrInsufficientFrames struct {
	Mode Mode

	// Need is the minimum number of science frames for the mode
	Need int

	// Have is the number of frames in the ramp
	Have int
}

func (e ErrInsufficientFrames) Error() string {
	return fmt.Sprintf("%s reduction requires at least %d science frames, have %d", e.Mode, e.Need, e.Have)
}

// RawFrame is one camera's readout for one sample tick.
type RawFrame struct {
	// Cam is the logical camera index the data belongs to
	Cam int

	// Index is the monotonic sample index within the exposure
	Index int

	// Width and Height describe the frame geometry
	Width, Height int

	// Reset marks the frame as a reset frame rather than a science frame
	Reset bool

	// Timestamp is the capture time
	Timestamp time.Time

	// Data is the row-major sample buffer, len == Width*Height
	Data []uint16
}

// ReducedFrame is the product of reducing a ramp of science frames.
type ReducedFrame struct {
	Cam           int
	Width, Height int
	Mode          Mode

	// Final is true for the end-of-exposure product, false for a live
	// intermediate product computed mid-acquisition
	Final bool

	// First and Last are the sample indices bounding the reduction window
	First, Last int

	Data []uint16
}

// Reduce combines a ramp of science frames into a single frame per mode m.
// The output geometry equals the input geometry.  The frames must share
// geometry and be ordered by sample index.
func Reduce(m Mode, frames []*RawFrame) (*ReducedFrame, error) {
	if len(frames) < m.MinFrames() {
		return nil, ErrInsufficientFrames{Mode: m, Need: m.MinFrames(), Have: len(frames)}
	}
	first, last := frames[0], frames[len(frames)-1]
	out := &ReducedFrame{
		Cam:    last.Cam,
		Width:  last.Width,
		Height: last.Height,
		Mode:   m,
		First:  first.Index,
		Last:   last.Index,
		Data:   make([]uint16, len(last.Data)),
	}
	switch m {
	case SSR:
		copy(out.Data, last.Data)
	case CDS:
		for i := range out.Data {
			out.Data[i] = saturate16(int64(last.Data[i]) - int64(first.Data[i]))
		}
	case Mean:
		n := float64(len(frames))
		for i := range out.Data {
			var sum int64
			for _, f := range frames {
				sum += int64(f.Data[i])
			}
			out.Data[i] = saturate16(int64(math.Round(float64(sum) / n)))
		}
	case Median:
		scratch := make([]uint16, len(frames))
		for i := range out.Data {
			for j, f := range frames {
				scratch[j] = f.Data[i]
			}
			sort.Slice(scratch, func(a, b int) bool { return scratch[a] < scratch[b] })
			mid := len(scratch) / 2
			if len(scratch)%2 == 0 {
				out.Data[i] = saturate16(int64(math.Round(float64(int64(scratch[mid-1])+int64(scratch[mid])) / 2)))
			} else {
				out.Data[i] = scratch[mid]
			}
		}
	case Min:
		for i := range out.Data {
			v := frames[0].Data[i]
			for _, f := range frames[1:] {
				if f.Data[i] < v {
					v = f.Data[i]
				}
			}
			out.Data[i] = v
		}
	case Max:
		for i := range out.Data {
			v := frames[0].Data[i]
			for _, f := range frames[1:] {
				if f.Data[i] > v {
					v = f.Data[i]
				}
			}
			out.Data[i] = v
		}
	default:
		n := m.FowlerN()
		head := frames[:n]
		tail := frames[len(frames)-n:]
		for i := range out.Data {
			var lo, hi int64
			for j := 0; j < n; j++ {
				lo += int64(head[j].Data[i])
				hi += int64(tail[j].Data[i])
			}
			// difference of the two window means, computed on the
			// int64 sums to avoid truncation bias
			d := float64(hi-lo) / float64(n)
			out.Data[i] = saturate16(int64(math.Round(d)))
		}
	}
	return out, nil
}

// saturate16 requantizes a wide value to uint16, clamping instead of wrapping.
func saturate16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// ScienceFrames returns the number of science frames needed to cover texp
// at one frame per tframe, rounding up so the exposure is never short.
func ScienceFrames(texp, tframe time.Duration) int {
	if tframe <= 0 {
		return 0
	}
	n := int((texp + tframe - 1) / tframe)
	if n < 1 {
		n = 1
	}
	return n
}

// SkipFrames returns the number of settling frames covered by tskip,
// rounding down; skip frames are captured but excluded from reduction.
func SkipFrames(tskip, tframe time.Duration) int {
	if tframe <= 0 || tskip <= 0 {
		return 0
	}
	return int(tskip / tframe)
}

// EffectiveExposure returns the photon collection time summarized by a
// reduction of nframes science frames in mode m.
func EffectiveExposure(m Mode, nframes int, tframe time.Duration) time.Duration {
	switch {
	case m == CDS:
		return time.Duration(nframes-1) * tframe
	case m.FowlerN() > 0:
		n := m.FowlerN()
		return time.Duration(nframes-2*n)*tframe + time.Duration(n)*tframe
	default: // SSR and the frame statistics cover the whole ramp
		return time.Duration(nframes) * tframe
	}
}
