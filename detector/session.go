/*Package detector implements the acquisition state machine and exposure
sequencer for a multi-camera up-the-ramp science detector.

A Session owns the hardware controller and moves through
Closed → Opened → Initialized → Exposing and back.  Commands arrive as text
lines (OPEN, INIT, MODE, START, STATUS, CLOSE); all but STATUS take exclusive
ownership of the session, and a command arriving while another runs gets a
BusyError.  CLOSE is the exception: issued during an exposure it aborts the
running sequence, then releases the hardware.

The status record turns over at the start of every accepted state-changing
command and is finalized when the command completes.  Frame references from
the last exposure stay in the record until a new exposure begins, and a
rejected command never touches the record at all.
*/
package detector

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/asdetector/frameio"
	"github.com/nasa-jpl/asdetector/macie"
	"github.com/nasa-jpl/asdetector/reduce"
	"github.com/nasa-jpl/asdetector/status"
)

// Session is the acquisition core.  It is safe for concurrent use; one
// command executes at a time and STATUS is never blocked.
type Session struct {
	cfg   Config
	ctrl  macie.Controller
	pub   *status.Publisher
	rec   *frameio.Recorder
	tab   reduce.InterleaveTable
	chips macie.ChipTable

	mu      sync.Mutex
	state   State
	busy    string
	mode    reduce.Mode
	seqDone chan struct{}

	abort int32
}

// NewSession validates cfg and returns a Session driving ctrl.
func NewSession(cfg Config, ctrl macie.Controller) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := reduce.ParseMode(cfg.Mode)
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	// the hardware emits one row per ASIC per readout block
	tab, err := reduce.NewInterleaveTable(cfg.Cameras, cfg.Width, cfg.Width*cfg.Height)
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	return &Session{
		cfg:   cfg,
		ctrl:  ctrl,
		pub:   status.NewPublisher(cfg.StatusFile, cfg.CameraNames),
		rec:   &frameio.Recorder{Root: cfg.DataRoot, Prefix: cfg.Prefix},
		tab:   tab,
		chips: macie.NewChipTable(cfg.ChipIDs),
		mode:  mode,
	}, nil
}

// Status returns a snapshot of the acquisition record.
func (s *Session) Status() status.Record {
	return s.pub.Snapshot()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the active reduction mode.
func (s *Session) Mode() reduce.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ErrorNAK reports whether failed commands should be terminated with NAK.
func (s *Session) ErrorNAK() bool {
	return s.cfg.ErrorNAK
}

/*Execute runs one command line and returns its reply payload, if any.

Progress messages are written to logger, which the server points at both its
own log and the client connection.  STATUS replies with the JSON status
record and never mutates it; every other command turns the record over when
it begins and completes it when it ends.
*/
func (s *Session) Execute(line string, logger *log.Logger) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "STATUS":
		buf, err := json.MarshalIndent(s.Status(), "", "  ")
		return string(buf), err
	case "CLOSE":
		return "", s.close(logger)
	case "OPEN", "INIT", "MODE", "START":
	default:
		return "", fmt.Errorf("unknown command %q", fields[0])
	}

	if err := s.acquire(cmd); err != nil {
		return "", err
	}
	reply, err := s.run(cmd, args, logger)
	s.release()
	return reply, err
}

/*run validates one command, then executes it under the status record.

Validation happens before the record is touched: a command rejected for its
arguments or the session state is reported to the caller alone, and the
record, including the previous exposure's frame references, is left exactly
as it was.  Only an accepted command begins a record turnover.
*/
func (s *Session) run(cmd string, args []string, logger *log.Logger) (string, error) {
	var (
		req  exposureRequest
		mode reduce.Mode
		err  error
	)
	switch cmd {
	case "OPEN":
		if s.State() != Closed {
			return "", ErrAlreadyOpen
		}
	case "INIT":
		if st := s.State(); st != Opened && st != Initialized {
			return "", StateError{Op: "INIT", State: st}
		}
	case "MODE":
		if len(args) > 0 {
			if mode, err = reduce.ParseMode(args[0]); err != nil {
				return "", err
			}
		}
	case "START":
		if req, err = parseStart(args); err != nil {
			return "", err
		}
		if st := s.State(); st != Initialized {
			return "", StateError{Op: "START", State: st}
		}
	}

	s.pub.BeginCommand(strings.ToUpper(strings.Join(append([]string{cmd}, args...), " ")))
	var reply string
	switch cmd {
	case "OPEN":
		err = s.open(logger)
	case "INIT":
		err = s.initialize(logger)
	case "MODE":
		reply = s.setMode(args, mode, logger)
	case "START":
		err = s.start(req, logger)
	}
	s.pub.EndCommand(err)
	return reply, err
}

// acquire takes exclusive command ownership of the session.
func (s *Session) acquire(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy != "" {
		return BusyError{Command: s.busy}
	}
	s.busy = cmd
	return nil
}

// release gives up command ownership and wakes anything waiting on a
// finished sequence.
func (s *Session) release() {
	s.mu.Lock()
	s.busy = ""
	done := s.seqDone
	s.seqDone = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (s *Session) open(logger *log.Logger) error {
	if err := s.ctrl.Open(); err != nil {
		return HardwareFault{Op: "OPEN", Err: err}
	}
	s.mu.Lock()
	s.state = Opened
	s.mu.Unlock()
	logger.Println("controller opened")
	return nil
}

func (s *Session) initialize(logger *log.Logger) error {
	logger.Println("programming controller")
	if err := s.ctrl.Init(); err != nil {
		return HardwareFault{Op: "INIT", Err: err}
	}
	s.mu.Lock()
	s.state = Initialized
	s.mu.Unlock()
	logger.Println("controller initialized")
	return nil
}

func (s *Session) setMode(args []string, m reduce.Mode, logger *log.Logger) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(args) == 0 {
		return s.mode.String()
	}
	s.mode = m
	logger.Println("reduction mode set to", m)
	return m.String()
}

func (s *Session) start(req exposureRequest, logger *log.Logger) error {
	s.mu.Lock()
	s.state = Exposing
	s.seqDone = make(chan struct{})
	atomic.StoreInt32(&s.abort, 0)
	s.mu.Unlock()

	err := s.runSequence(req, logger)

	s.mu.Lock()
	s.state = Initialized
	s.mu.Unlock()
	return err
}

/*close releases the hardware handle.  Legal in every state; a no-op when
already closed.

Issued while an exposure runs, it flags the sequence for abort and waits for
it to wind down first.  The aborted exposure's errored status record is left
in place rather than being overwritten with a CLOSE record.
*/
func (s *Session) close(logger *log.Logger) error {
	aborted := false
	s.mu.Lock()
	if s.state == Exposing && s.seqDone != nil {
		atomic.StoreInt32(&s.abort, 1)
		done := s.seqDone
		s.mu.Unlock()
		logger.Println("aborting running exposure")
		<-done
		aborted = true
		s.mu.Lock()
	}
	if s.busy != "" {
		b := s.busy
		s.mu.Unlock()
		return BusyError{Command: b}
	}
	s.busy = "CLOSE"
	st := s.state
	s.mu.Unlock()

	if !aborted {
		s.pub.BeginCommand("CLOSE")
	}
	var err error
	if st != Closed {
		if cerr := s.ctrl.Close(); cerr != nil {
			err = HardwareFault{Op: "CLOSE", Err: cerr}
		}
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		logger.Println("controller closed")
	}
	if !aborted {
		s.pub.EndCommand(err)
	}
	s.release()
	return err
}
