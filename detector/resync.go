package detector

import (
	"log"

	"github.com/nasa-jpl/asdetector/macie"
	"github.com/nasa-jpl/asdetector/reduce"
)

// checkTelemetry decodes the chip id stamped in each frame's telemetry cell
// and flags the sequence desynchronized when an id does not belong to the
// camera the data was attributed to.  No chip table means no checking.
func (s *Session) checkTelemetry(seq *sequenceState, frames []*reduce.RawFrame) {
	if len(s.chips) == 0 {
		return
	}
	for cam, f := range frames {
		id := macie.DecodeChipID(f.Data, s.cfg.Width, s.cfg.TelemetryRow, s.cfg.TelemetryColumn)
		got, ok := s.chips.Lookup(id)
		if ok && got == cam {
			continue
		}
		if !seq.desynced {
			if ok {
				seq.logger.Printf("telemetry desync: chip %04X of camera %d arrived on slot %d", id, got, cam)
			} else {
				seq.logger.Printf("telemetry desync: unknown chip id %04X on slot %d", id, cam)
			}
		}
		seq.desynced = true
	}
}

// resync re-runs hardware init once to recover a desynchronized science
// stream.  It runs after the sequence completes, never mid-ramp; a failed
// re-init is logged and left for the operator, the exposure itself already
// succeeded.
func (s *Session) resync(logger *log.Logger) {
	if !s.cfg.Autoresync {
		logger.Println("telemetry desync detected, autoresync disabled")
		return
	}
	logger.Println("telemetry desync detected, re-running controller init")
	if err := s.ctrl.Init(); err != nil {
		logger.Println("resync init failed:", err)
	}
}
