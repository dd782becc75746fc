package detector

import (
	"io/ioutil"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/asdetector/macie"
	"github.com/nasa-jpl/asdetector/reduce"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir, err := ioutil.TempDir("", "detector")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return Config{
		Cameras:            2,
		CameraNames:        []string{"CAMERA0", "CAMERA1"},
		Width:              8,
		Height:             4,
		ReadoutChannels:    2,
		FrameTimeSec:       2,
		Mode:               "CDS",
		ResetFrames:        1,
		ReduceIntermediate: true,
		ReduceFinal:        true,
		ChipIDs:            []uint16{0xACD1, 0xACD2},
		Autoresync:         true,
		DataRoot:           dir,
		Prefix:             "t",
	}
}

func testSim(t *testing.T, cfg Config, period time.Duration) *macie.Sim {
	t.Helper()
	sim, err := macie.NewSim(macie.SimConfig{
		Cameras:         cfg.Cameras,
		Width:           cfg.Width,
		Height:          cfg.Height,
		FramePeriod:     period,
		TelemetryRow:    cfg.TelemetryRow,
		TelemetryColumn: cfg.TelemetryColumn,
		ChipIDs:         cfg.ChipIDs,
		Pedestal:        1000,
		RampStep:        16,
	})
	require.NoError(t, err)
	return sim
}

func testSession(t *testing.T, cfg Config, ctrl macie.Controller) *Session {
	t.Helper()
	s, err := NewSession(cfg, ctrl)
	require.NoError(t, err)
	return s
}

func discard() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))

	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	assert.Equal(t, Opened, s.State())

	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)
	assert.Equal(t, Initialized, s.State())

	// 10 s at a 2 s frame period is 5 science frames
	_, err = s.Execute("START 10 0 1", discard())
	require.NoError(t, err)
	assert.Equal(t, Initialized, s.State())

	rec := s.Status()
	assert.True(t, rec.CommandComplete)
	assert.Empty(t, rec.CommandError)
	assert.Equal(t, 6, rec.TotalFrameCount) // 1 reset + 5 science
	for _, cam := range cfg.CameraNames {
		assert.Len(t, rec.ExposureFrames[cam], 5)
		// CDS needs 2 frames, so the first science tick has no product
		assert.Len(t, rec.IntermediateReducedFrames[cam], 4)
		assert.NotEmpty(t, rec.FinalReducedFrame[cam])
	}
	assert.Zero(t, rec.ExposureTimeRemaining)

	_, err = s.Execute("CLOSE", discard())
	require.NoError(t, err)
	assert.Equal(t, Closed, s.State())
}

func TestOpenWhenOpenErrors(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("OPEN", discard())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestCommandsRejectedByState(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))

	_, err := s.Execute("INIT", discard())
	var se StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Closed, se.State)

	_, err = s.Execute("START 10", discard())
	require.ErrorAs(t, err, &se)

	_, err = s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("START 10", discard())
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Opened, se.State)
}

func TestCloseFromAnyState(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))

	_, err := s.Execute("CLOSE", discard())
	assert.NoError(t, err)

	_, err = s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("CLOSE", discard())
	assert.NoError(t, err)
	assert.Equal(t, Closed, s.State())
}

func TestModeSetAndQuery(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))

	reply, err := s.Execute("MODE", discard())
	require.NoError(t, err)
	assert.Equal(t, "CDS", reply)

	reply, err = s.Execute("mode fowler2", discard())
	require.NoError(t, err)
	assert.Equal(t, "FOWLER2", reply)
	assert.Equal(t, reduce.Fowler2, s.Mode())

	_, err = s.Execute("MODE NOPE", discard())
	assert.Error(t, err)
}

func TestFowlerWindowTooShort(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)
	_, err = s.Execute("MODE FOWLER4", discard())
	require.NoError(t, err)

	// 5 science frames cannot satisfy a Fowler-4 window of 8
	_, err = s.Execute("START 10 0 1", discard())
	var short reduce.ErrInsufficientFrames
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 8, short.Need)
	assert.Equal(t, 5, short.Have)
	assert.Equal(t, Initialized, s.State())
}

func TestSkipFramesCounted(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)

	// 5 science ticks with 2 skip ticks between each pair, plus 1 reset
	_, err = s.Execute("START 10 4 1", discard())
	require.NoError(t, err)
	rec := s.Status()
	assert.Equal(t, 14, rec.TotalFrameCount)
	for _, cam := range cfg.CameraNames {
		assert.Len(t, rec.ExposureFrames[cam], 5)
	}
}

func TestReadFailureAbortsSequence(t *testing.T) {
	cfg := testConfig(t)
	sim := testSim(t, cfg, 0)
	s := testSession(t, cfg, sim)
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)

	// read 0 is the reset, reads 1 and 2 are science, read 3 faults
	sim.FailReadAt = 3
	_, err = s.Execute("START 10 0 1", discard())
	var hf HardwareFault
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, "READ", hf.Op)

	rec := s.Status()
	assert.True(t, rec.CommandComplete)
	assert.NotEmpty(t, rec.CommandError)
	for _, cam := range cfg.CameraNames {
		assert.Len(t, rec.ExposureFrames[cam], 2)
		assert.Empty(t, rec.FinalReducedFrame[cam])
	}
	assert.Equal(t, Initialized, s.State())
}

func TestBusyAndAbortDuringExposure(t *testing.T) {
	cfg := testConfig(t)
	sim := testSim(t, cfg, 50*time.Millisecond)
	s := testSession(t, cfg, sim)
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		_, err := s.Execute("START 30 0 1", discard())
		startErr <- err
	}()
	for s.State() != Exposing {
		time.Sleep(time.Millisecond)
	}

	_, err = s.Execute("INIT", discard())
	var busy BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "START", busy.Command)

	// STATUS is never blocked by a running command
	reply, err := s.Execute("STATUS", discard())
	require.NoError(t, err)
	assert.Contains(t, reply, "START")

	_, err = s.Execute("CLOSE", discard())
	require.NoError(t, err)
	assert.ErrorIs(t, <-startErr, ErrAborted)
	assert.Equal(t, Closed, s.State())

	rec := s.Status()
	assert.True(t, rec.CommandComplete)
	assert.Contains(t, rec.CommandError, "aborted")
}

type initCounter struct {
	*macie.Sim
	inits int
}

func (c *initCounter) Init() error {
	c.inits++
	return c.Sim.Init()
}

func TestAutoresyncReinitsOnce(t *testing.T) {
	cfg := testConfig(t)
	sim := testSim(t, cfg, 0)
	sim.Desync = true
	ctrl := &initCounter{Sim: sim}
	s := testSession(t, cfg, ctrl)
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)

	_, err = s.Execute("START 4 0 1", discard())
	require.NoError(t, err)
	// one init from the command, exactly one more from the resync
	assert.Equal(t, 2, ctrl.inits)
}

func TestRejectedCommandPreservesFrameLists(t *testing.T) {
	cfg := testConfig(t)
	s := testSession(t, cfg, testSim(t, cfg, 0))
	_, err := s.Execute("OPEN", discard())
	require.NoError(t, err)
	_, err = s.Execute("INIT", discard())
	require.NoError(t, err)
	_, err = s.Execute("START 10 0 1", discard())
	require.NoError(t, err)
	_, err = s.Execute("CLOSE", discard())
	require.NoError(t, err)

	// START in Closed, a malformed START, and a bad MODE name are all
	// rejected without side effects
	_, err = s.Execute("START 10 0 1", discard())
	var se StateError
	require.ErrorAs(t, err, &se)
	_, err = s.Execute("START 10 0 x", discard())
	require.Error(t, err)
	_, err = s.Execute("MODE NOPE", discard())
	require.Error(t, err)

	rec := s.Status()
	assert.Equal(t, "CLOSE", rec.CurrentCommand)
	for _, cam := range cfg.CameraNames {
		assert.Len(t, rec.ExposureFrames[cam], 5)
		assert.NotEmpty(t, rec.FinalReducedFrame[cam])
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deinterlace = true
	cfg.ReadoutChannels = 3 // does not divide width 8
	_, err := NewSession(cfg, testSim(t, cfg, 0))
	var ce ConfigError
	assert.ErrorAs(t, err, &ce)
}
