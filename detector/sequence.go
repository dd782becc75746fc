package detector

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/asdetector/mathx"
	"github.com/nasa-jpl/asdetector/reduce"
	"github.com/nasa-jpl/asdetector/status"
	"github.com/nasa-jpl/asdetector/util"
)

// exposureRequest is a parsed START command.
type exposureRequest struct {
	// Exposure is the photon collection time to cover with science frames
	Exposure time.Duration

	// Skip is the settling time inserted between science frames
	Skip time.Duration

	// Repeats is the number of back to back ramps; zero runs once
	Repeats int
}

// parseStart parses "START <texp_sec> [tskip_sec] [repeats]".
func parseStart(args []string) (exposureRequest, error) {
	var req exposureRequest
	if len(args) < 1 {
		return req, fmt.Errorf("START requires an exposure time in seconds")
	}
	texp, err := strconv.ParseFloat(args[0], 64)
	if err != nil || texp <= 0 {
		return req, fmt.Errorf("bad exposure time %q", args[0])
	}
	req.Exposure = util.SecsToDuration(texp)
	if len(args) > 1 {
		tskip, err := strconv.ParseFloat(args[1], 64)
		if err != nil || tskip < 0 {
			return req, fmt.Errorf("bad skip time %q", args[1])
		}
		req.Skip = util.SecsToDuration(tskip)
	}
	if len(args) > 2 {
		req.Repeats, err = strconv.Atoi(args[2])
		if err != nil || req.Repeats < 0 {
			return req, fmt.Errorf("bad repeat count %q", args[2])
		}
	}
	return req, nil
}

/*runSequence executes the full acquisition for one START command.

Each repeat is one ramp: the configured reset frames, then the science ticks
with the skip ticks interleaved between them.  Any read failure or abort
ends the whole sequence immediately; frame references captured so far stay
in the status record.
*/
func (s *Session) runSequence(req exposureRequest, logger *log.Logger) error {
	mode := s.Mode()
	ft := s.cfg.FrameTime()
	science := reduce.ScienceFrames(req.Exposure, ft)
	if science < mode.MinFrames() {
		return reduce.ErrInsufficientFrames{Mode: mode, Need: mode.MinFrames(), Have: science}
	}
	skip := reduce.SkipFrames(req.Skip, ft)
	repeats := req.Repeats
	if repeats < 1 {
		repeats = 1
	}

	perRepeat := s.cfg.ResetFrames + science + skip*(science-1)
	total := perRepeat * repeats
	s.pub.BeginExposure(total, mathx.Round(float64(total)*ft.Seconds(), 0.001))
	logger.Printf("%s ramp: %d repeat(s) of %d reset + %d science frames, %d skip frame(s) between science ticks",
		mode, repeats, s.cfg.ResetFrames, science, skip)

	seq := &sequenceState{mode: mode, science: science, skip: skip, frameTime: ft, logger: logger}
	for rep := 0; rep < repeats; rep++ {
		if err := s.runRamp(seq); err != nil {
			return err
		}
	}
	if seq.desynced {
		s.resync(logger)
	}
	return nil
}

// sequenceState carries the per-sequence bookkeeping across repeats.
type sequenceState struct {
	mode      reduce.Mode
	science   int
	skip      int
	frameTime time.Duration
	logger    *log.Logger

	// tick is the monotonic frame index across the whole sequence, so
	// filenames never collide between repeats
	tick int

	desynced bool
}

// runRamp arms the hardware and captures one complete ramp.
func (s *Session) runRamp(seq *sequenceState) error {
	if err := s.ctrl.StartAcquisition(seq.science+seq.skip*(seq.science-1), s.cfg.ResetFrames); err != nil {
		return HardwareFault{Op: "START", Err: err}
	}
	ramps := make([][]*reduce.RawFrame, s.cfg.Cameras)

	for i := 0; i < s.cfg.ResetFrames; i++ {
		frames, err := s.readTick(seq, true)
		if err != nil {
			return err
		}
		if s.cfg.SaveResetFrames {
			if err := s.saveRaw(frames); err != nil {
				return err
			}
		}
	}

	for i := 0; i < seq.science; i++ {
		frames, err := s.readTick(seq, false)
		if err != nil {
			return err
		}
		for cam, f := range frames {
			ramps[cam] = append(ramps[cam], f)
		}
		if err := s.saveRaw(frames); err != nil {
			return err
		}
		if s.cfg.ReduceIntermediate {
			if err := s.reduceIntermediate(seq, ramps); err != nil {
				return err
			}
		}
		if i == seq.science-1 {
			break
		}
		for j := 0; j < seq.skip; j++ {
			if _, err := s.readTick(seq, false); err != nil {
				return err
			}
		}
	}

	if s.cfg.ReduceFinal {
		return s.reduceFinal(seq, ramps)
	}
	return nil
}

// readTick reads and demultiplexes one combined frame from the controller.
func (s *Session) readTick(seq *sequenceState, reset bool) ([]*reduce.RawFrame, error) {
	if atomic.LoadInt32(&s.abort) != 0 {
		return nil, ErrAborted
	}
	combined, err := s.ctrl.ReadFrame(s.cfg.FrameTimeout())
	if err != nil {
		return nil, HardwareFault{Op: "READ", Err: err}
	}
	split, err := s.tab.Deinterleave(combined)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	frames := make([]*reduce.RawFrame, s.cfg.Cameras)
	for cam, data := range split {
		if s.cfg.Deinterlace {
			img := make([]uint16, len(data))
			if err := reduce.Deinterlace(img, data, s.cfg.Width, s.cfg.Height, s.cfg.ReadoutChannels); err != nil {
				return nil, err
			}
			data = img
		}
		frames[cam] = &reduce.RawFrame{
			Cam:       cam,
			Index:     seq.tick,
			Width:     s.cfg.Width,
			Height:    s.cfg.Height,
			Reset:     reset,
			Timestamp: now,
			Data:      data,
		}
	}
	s.checkTelemetry(seq, frames)
	seq.tick++
	s.pub.Update(func(r *status.Record) {
		rem := r.ExposureTimeRemaining - seq.frameTime.Seconds()
		if rem < 0 {
			rem = 0
		}
		r.ExposureTimeRemaining = mathx.Round(rem, 0.001)
	})
	return frames, nil
}

// saveRaw persists one tick's frames and records them in the status record.
func (s *Session) saveRaw(frames []*reduce.RawFrame) error {
	for cam, f := range frames {
		name := s.cfg.CameraNames[cam]
		fn, err := s.rec.WriteRaw(name, f, s.baseCards(name))
		if err != nil {
			return err
		}
		if !f.Reset {
			s.pub.AppendRaw(name, fn)
		}
	}
	return nil
}

// reduceIntermediate computes the live product from the frames captured so
// far.  A ramp still too short for the mode's window is skipped, not fatal.
func (s *Session) reduceIntermediate(seq *sequenceState, ramps [][]*reduce.RawFrame) error {
	for cam, ramp := range ramps {
		red, err := reduce.Reduce(seq.mode, ramp)
		if err != nil {
			var short reduce.ErrInsufficientFrames
			if errors.As(err, &short) {
				seq.logger.Printf("intermediate %s product deferred: %v", seq.mode, err)
				return nil
			}
			return err
		}
		name := s.cfg.CameraNames[cam]
		fn, err := s.rec.WriteReduced(name, red, s.baseCards(name))
		if err != nil {
			return err
		}
		s.pub.AppendIntermediate(name, fn)
	}
	return nil
}

// reduceFinal computes the end-of-exposure product for every camera.
func (s *Session) reduceFinal(seq *sequenceState, ramps [][]*reduce.RawFrame) error {
	eff := reduce.EffectiveExposure(seq.mode, seq.science, seq.frameTime)
	for cam, ramp := range ramps {
		red, err := reduce.Reduce(seq.mode, ramp)
		if err != nil {
			return err
		}
		red.Final = true
		name := s.cfg.CameraNames[cam]
		cards := append(s.baseCards(name),
			fitsio.Card{Name: "EXPTIME", Value: eff.Seconds(), Comment: "effective exposure time [s]"})
		fn, err := s.rec.WriteReduced(name, red, cards)
		if err != nil {
			return err
		}
		s.pub.SetFinal(name, fn)
		seq.logger.Printf("%s reduced product for %s: %s", seq.mode, name, fn)
	}
	return nil
}

func (s *Session) baseCards(camera string) []fitsio.Card {
	return []fitsio.Card{
		{Name: "CAMERA", Value: camera},
		{Name: "FRAMTIME", Value: s.cfg.FrameTimeSec, Comment: "detector frame period [s]"},
	}
}
