package macie

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/asdetector/reduce"
)

// SimConfig describes the synthetic focal plane produced by the simulator.
type SimConfig struct {
	Cameras int
	Width   int
	Height  int

	// FramePeriod paces ReadFrame; zero disables pacing (tests)
	FramePeriod time.Duration

	// TelemetryRow and TelemetryColumn locate the chip-id cell
	TelemetryRow    int
	TelemetryColumn int

	// ChipIDs holds the chip id stamped by logical camera i
	ChipIDs []uint16

	// Pedestal is the reset level; RampStep the signal accumulated per tick
	Pedestal uint16
	RampStep uint16
}

/*Sim is a software readout controller.  It synthesizes up-the-ramp frames
with telemetry cells, paced at the configured frame period, and emits them
in the same interleaved multi-ASIC layout the hardware uses.

The synthetic data is image-ordered within each camera; configurations
driving the simulator should leave channel deinterlacing off.

The Fail* knobs inject faults for tests and for exercising the failure
paths from the command line, mirroring the test-error hooks of the control
software this replaces.
*/
type Sim struct {
	cfg SimConfig
	tab reduce.InterleaveTable
	lim *rate.Limiter

	mu     sync.Mutex
	opened bool
	inited bool
	sample int
	resets int
	reads  int

	// FailOpen, FailInit and FailStart make the corresponding call error
	FailOpen  bool
	FailInit  bool
	FailStart bool

	// FailReadAt makes the Nth ReadFrame after StartAcquisition error;
	// negative disables
	FailReadAt int

	// Desync rotates the chip ids by one slot, as a shifted science
	// stream would
	Desync bool
}

// NewSim returns a simulator for the given synthetic focal plane.
func NewSim(cfg SimConfig) (*Sim, error) {
	if len(cfg.ChipIDs) < cfg.Cameras {
		return nil, fmt.Errorf("sim: %d chip ids for %d cameras", len(cfg.ChipIDs), cfg.Cameras)
	}
	tab, err := reduce.NewInterleaveTable(cfg.Cameras, cfg.Width, cfg.Width*cfg.Height)
	if err != nil {
		return nil, err
	}
	s := &Sim{cfg: cfg, tab: tab, FailReadAt: -1}
	if cfg.FramePeriod > 0 {
		s.lim = rate.NewLimiter(rate.Every(cfg.FramePeriod), 1)
	}
	return s, nil
}

// Open acquires the simulated handle.
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOpen {
		return fmt.Errorf("sim: no controller found")
	}
	s.opened = true
	return nil
}

// Init marks the simulated hardware programmed.
func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrNotConnected
	}
	if s.FailInit {
		return fmt.Errorf("sim: register programming failed")
	}
	s.inited = true
	return nil
}

// StartAcquisition arms a new ramp.
func (s *Sim) StartAcquisition(scienceFrames, resetFrames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return fmt.Errorf("sim: acquisition started before init")
	}
	if s.FailStart {
		return fmt.Errorf("sim: acquisition start rejected")
	}
	s.sample = 0
	s.resets = resetFrames
	s.reads = 0
	return nil
}

// ReadFrame synthesizes the next combined transaction.
func (s *Sim) ReadFrame(timeout time.Duration) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, ErrNotConnected
	}
	if s.lim != nil {
		r := s.lim.Reserve()
		if d := r.Delay(); d > timeout {
			r.Cancel()
			return nil, fmt.Errorf("sim: frame not ready within %v", timeout)
		} else if d > 0 {
			s.mu.Unlock()
			time.Sleep(d)
			s.mu.Lock()
		}
	}
	if s.FailReadAt >= 0 && s.reads == s.FailReadAt {
		return nil, fmt.Errorf("sim: science read fault at frame %d", s.reads)
	}
	s.reads++

	reset := s.resets > 0
	if reset {
		s.resets--
	}
	frames := make([][]uint16, s.cfg.Cameras)
	for cam := range frames {
		frames[cam] = s.renderFrame(cam, reset)
	}
	if !reset {
		s.sample++
	}
	return s.tab.Interleave(frames)
}

func (s *Sim) renderFrame(cam int, reset bool) []uint16 {
	data := make([]uint16, s.cfg.Width*s.cfg.Height)
	level := s.cfg.Pedestal + uint16(cam)*16
	if !reset {
		level += uint16(s.sample) * s.cfg.RampStep
	}
	for i := range data {
		data[i] = level
	}
	id := cam
	if s.Desync {
		id = (cam + 1) % s.cfg.Cameras
	}
	data[s.cfg.TelemetryRow*s.cfg.Width+s.cfg.TelemetryColumn] = s.cfg.ChipIDs[id]
	return data
}

// Close releases the simulated handle.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.inited = false
	return nil
}
