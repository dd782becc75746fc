/*Package status holds the shared acquisition status record.

Exactly one command owns the record at a time; concurrent pollers read it
through Snapshot, which returns a deep copy taken under the same mutex that
guards mutation, so a poller never observes a torn record.  The record is
persisted to a JSON file after every update when a path is configured;
persistence failures are logged and never abort acquisition.
*/
package status

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"os"
	"sync"
	"time"
)

// Record is the externally visible acquisition state.  Frame references are
// grouped per camera, keyed by camera name.
type Record struct {
	CurrentCommand      string    `json:"CurrentCommand"`
	CommandStartTime    time.Time `json:"CommandStartTime"`
	CommandComplete     bool      `json:"CommandComplete"`
	CommandCompleteTime time.Time `json:"CommandCompleteTime"`

	// CommandError carries the failure reason for an errored command;
	// empty on success
	CommandError string `json:"CommandError,omitempty"`

	// ExposureTimeRemaining is an estimate in seconds, decremented one
	// frame period per tick, not measured wall clock
	ExposureTimeRemaining float64 `json:"ExposureTimeRemaining"`

	TotalFrameCount int `json:"TotalFrameCount"`

	ExposureFrames            map[string][]string `json:"ExposureFrames"`
	IntermediateReducedFrames map[string][]string `json:"IntermediateReducedFrames"`
	FinalReducedFrame         map[string]string   `json:"FinalReducedFrame"`
}

func newRecord(cams []string) Record {
	r := Record{
		ExposureFrames:            make(map[string][]string, len(cams)),
		IntermediateReducedFrames: make(map[string][]string, len(cams)),
		FinalReducedFrame:         make(map[string]string, len(cams)),
	}
	for _, c := range cams {
		r.ExposureFrames[c] = []string{}
		r.IntermediateReducedFrames[c] = []string{}
	}
	return r
}

func (r Record) clone() Record {
	out := r
	out.ExposureFrames = make(map[string][]string, len(r.ExposureFrames))
	for k, v := range r.ExposureFrames {
		out.ExposureFrames[k] = append([]string(nil), v...)
	}
	out.IntermediateReducedFrames = make(map[string][]string, len(r.IntermediateReducedFrames))
	for k, v := range r.IntermediateReducedFrames {
		out.IntermediateReducedFrames[k] = append([]string(nil), v...)
	}
	out.FinalReducedFrame = make(map[string]string, len(r.FinalReducedFrame))
	for k, v := range r.FinalReducedFrame {
		out.FinalReducedFrame[k] = v
	}
	return out
}

// Publisher serializes all access to a Record.
type Publisher struct {
	mu   sync.Mutex
	rec  Record
	cams []string

	// Path is the JSON persistence target; empty disables persistence
	Path string
}

// NewPublisher returns a Publisher for the given camera names, persisting
// to path after every update when path is non-empty.
func NewPublisher(path string, cams []string) *Publisher {
	return &Publisher{rec: newRecord(cams), cams: cams, Path: path}
}

// Update applies fn to the record under the publisher's mutex and persists
// the result.  fn must not block on I/O or hardware.
func (p *Publisher) Update(fn func(*Record)) {
	p.mu.Lock()
	fn(&p.rec)
	snap := p.rec.clone()
	p.mu.Unlock()
	p.persist(snap)
}

// Snapshot returns a point-in-time deep copy of the record.
func (p *Publisher) Snapshot() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.clone()
}

// BeginCommand marks a new command in the record: the name, start time and
// completion fields turn over, while frame references from the previous
// exposure are preserved until a new exposure begins.
func (p *Publisher) BeginCommand(name string) {
	p.Update(func(r *Record) {
		r.CurrentCommand = name
		r.CommandStartTime = time.Now()
		r.CommandComplete = false
		r.CommandCompleteTime = time.Time{}
		r.CommandError = ""
	})
}

// BeginExposure rebuilds the frame bookkeeping for a new exposure,
// discarding the previous exposure's frame references.
func (p *Publisher) BeginExposure(totalFrames int, timeRemaining float64) {
	p.mu.Lock()
	cur := p.rec
	p.rec = newRecord(p.cams)
	p.rec.CurrentCommand = cur.CurrentCommand
	p.rec.CommandStartTime = cur.CommandStartTime
	p.rec.TotalFrameCount = totalFrames
	p.rec.ExposureTimeRemaining = timeRemaining
	snap := p.rec.clone()
	p.mu.Unlock()
	p.persist(snap)
}

// EndCommand marks the current command complete.  A non-nil err flags the
// command as errored; captured frame references are left as-is.
func (p *Publisher) EndCommand(err error) {
	p.Update(func(r *Record) {
		r.CommandComplete = true
		r.CommandCompleteTime = time.Now()
		if err != nil {
			r.CommandError = err.Error()
		}
	})
}

// AppendRaw records a captured science frame reference for a camera.
func (p *Publisher) AppendRaw(cam, path string) {
	p.Update(func(r *Record) {
		r.ExposureFrames[cam] = append(r.ExposureFrames[cam], path)
	})
}

// AppendIntermediate records an intermediate reduced frame reference.
func (p *Publisher) AppendIntermediate(cam, path string) {
	p.Update(func(r *Record) {
		r.IntermediateReducedFrames[cam] = append(r.IntermediateReducedFrames[cam], path)
	})
}

// SetFinal records the final reduced frame reference for a camera.
func (p *Publisher) SetFinal(cam, path string) {
	p.Update(func(r *Record) {
		r.FinalReducedFrame[cam] = path
	})
}

func (p *Publisher) persist(r Record) {
	if p.Path == "" {
		return
	}
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		log.Println("status: marshal failed:", err)
		return
	}
	// write-then-rename so external pollers never read a partial file
	tmp := p.Path + ".tmp"
	if err := ioutil.WriteFile(tmp, buf, 0666); err != nil {
		log.Println("status: persist failed:", err)
		return
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		log.Println("status: persist failed:", err)
	}
}
