package detector

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/asdetector/macie"
	"github.com/nasa-jpl/asdetector/reduce"
	"github.com/nasa-jpl/asdetector/util"
)

// Config is the resolved configuration of the acquisition system.  It is
// loaded once at startup and treated as immutable afterward; the only
// run-time mutable acquisition parameter is the reduction mode, which lives
// on the Session.
type Config struct {
	// Cameras is the number of ASICs multiplexed onto the science link
	Cameras int `yaml:"Cameras"`

	// CameraNames label the per-camera folders and status keys; generated
	// as CAMERA0..CAMERAn-1 when empty
	CameraNames []string `yaml:"CameraNames"`

	// Width and Height are the per-camera frame geometry in pixels
	Width  int `yaml:"Width"`
	Height int `yaml:"Height"`

	// ReadoutChannels is the per-camera video channel count for
	// deinterlacing
	ReadoutChannels int `yaml:"ReadoutChannels"`

	// Deinterlace reorders channel-multiplexed frames into image order;
	// off for the simulator, which emits image-ordered data
	Deinterlace bool `yaml:"Deinterlace"`

	// FrameTimeSec is the detector frame period in seconds
	FrameTimeSec float64 `yaml:"FrameTimeSec"`

	// Mode is the startup reduction mode, e.g. CDS, SSR, FOWLER4
	Mode string `yaml:"Mode"`

	// ResetFrames precede the science frames of every ramp
	ResetFrames int `yaml:"ResetFrames"`

	// SaveResetFrames persists reset frames; they are never reduced
	SaveResetFrames bool `yaml:"SaveResetFrames"`

	// ReduceIntermediate computes a live product after each science tick
	ReduceIntermediate bool `yaml:"ReduceIntermediate"`

	// ReduceFinal computes the end-of-exposure product
	ReduceFinal bool `yaml:"ReduceFinal"`

	// TelemetryRow and TelemetryColumn locate the chip-id cell
	TelemetryRow    int `yaml:"TelemetryRow"`
	TelemetryColumn int `yaml:"TelemetryColumn"`

	// ChipIDs holds the chip id expected on logical camera i
	ChipIDs []uint16 `yaml:"ChipIDs"`

	// Autoresync re-runs hardware init after a sequence whose telemetry
	// revealed a desynchronized science stream
	Autoresync bool `yaml:"Autoresync"`

	// FrameTimeoutSec bounds each science read; zero means twice the
	// frame period
	FrameTimeoutSec float64 `yaml:"FrameTimeoutSec"`

	// ErrorNAK terminates failed commands with NAK instead of error text
	ErrorNAK bool `yaml:"ErrorNAK"`

	// DataRoot is the root folder for frame products; Prefix is the
	// filename prefix
	DataRoot string `yaml:"DataRoot"`
	Prefix   string `yaml:"Prefix"`

	// StatusFile is the JSON status persistence target; empty disables
	StatusFile string `yaml:"StatusFile"`

	// Addr is the TCP command server bind address; HTTPAddr the status
	// monitor bind address, empty disables the monitor
	Addr     string `yaml:"Addr"`
	HTTPAddr string `yaml:"HTTPAddr"`

	// Simulation substitutes the software controller for hardware
	Simulation bool `yaml:"Simulation"`

	// SimFramePeriodSec paces the simulator; zero runs unpaced
	SimFramePeriodSec float64 `yaml:"SimFramePeriodSec"`

	// Controller configures the hardware register and science channels;
	// ignored in simulation
	Controller ControllerConfig `yaml:"Controller"`
}

// ControllerConfig is the hardware half of the configuration.
type ControllerConfig struct {
	Conn       string   `yaml:"Conn"`
	Addr       string   `yaml:"Addr"`
	SciAddr    string   `yaml:"SciAddr"`
	SerialPort string   `yaml:"SerialPort"`
	SerialBaud int      `yaml:"SerialBaud"`
	USBVendor  uint16   `yaml:"USBVendor"`
	USBProduct uint16   `yaml:"USBProduct"`
	LoadFiles  []string `yaml:"LoadFiles"`

	ReadFramesAddr  uint16 `yaml:"ReadFramesAddr"`
	ResetFramesAddr uint16 `yaml:"ResetFramesAddr"`
	StartAddr       uint16 `yaml:"StartAddr"`
	StartValue      uint16 `yaml:"StartValue"`

	InitWaitSec float64 `yaml:"InitWaitSec"`
}

// DefaultConfig returns the configuration used when no file overrides it,
// a two-camera simulated focal plane.
func DefaultConfig() Config {
	return Config{
		Cameras:            2,
		Width:              64,
		Height:             64,
		ReadoutChannels:    4,
		FrameTimeSec:       2,
		Mode:               "CDS",
		ResetFrames:        1,
		ReduceIntermediate: true,
		ReduceFinal:        true,
		ChipIDs:            []uint16{0xACD1, 0xACD2},
		Autoresync:         true,
		DataRoot:           "/tmp/asdetector",
		Prefix:             "asdet",
		StatusFile:         "/tmp/asdetector/status.json",
		Addr:               ":8000",
		HTTPAddr:           ":8001",
		Simulation:         true,
		Controller: ControllerConfig{
			Conn:            "gige",
			Addr:            "192.168.1.100:4242",
			SciAddr:         "192.168.1.100:4243",
			SerialBaud:      115200,
			ReadFramesAddr:  0x01C0,
			ResetFramesAddr: 0x01C2,
			StartAddr:       0x01C4,
			StartValue:      0x8001,
			InitWaitSec:     2,
		},
	}
}

// Validate normalizes derived fields and rejects inconsistent geometry.
func (c *Config) Validate() error {
	if c.Cameras < 1 {
		return ConfigError{Reason: "at least one camera required"}
	}
	if c.Width < 1 || c.Height < 1 {
		return ConfigError{Reason: fmt.Sprintf("bad frame geometry %dx%d", c.Width, c.Height)}
	}
	if c.Deinterlace && (c.ReadoutChannels < 1 || c.Width%c.ReadoutChannels != 0) {
		return ConfigError{Reason: fmt.Sprintf("width %d not divisible by %d readout channels", c.Width, c.ReadoutChannels)}
	}
	if c.FrameTimeSec <= 0 {
		return ConfigError{Reason: "frame time must be positive"}
	}
	if _, err := reduce.ParseMode(c.Mode); err != nil {
		return ConfigError{Reason: err.Error()}
	}
	if c.ResetFrames < 0 {
		return ConfigError{Reason: "reset frame count may not be negative"}
	}
	if c.Autoresync && len(c.ChipIDs) < c.Cameras {
		return ConfigError{Reason: fmt.Sprintf("%d chip ids for %d cameras", len(c.ChipIDs), c.Cameras)}
	}
	if len(c.CameraNames) == 0 {
		c.CameraNames = make([]string, c.Cameras)
		for i := range c.CameraNames {
			c.CameraNames[i] = fmt.Sprintf("CAMERA%d", i)
		}
	}
	if len(c.CameraNames) != c.Cameras {
		return ConfigError{Reason: fmt.Sprintf("%d camera names for %d cameras", len(c.CameraNames), c.Cameras)}
	}
	return nil
}

// FrameTime returns the frame period as a duration.
func (c Config) FrameTime() time.Duration {
	return util.SecsToDuration(c.FrameTimeSec)
}

// FrameTimeout returns the per-read timeout, defaulting to twice the frame
// period.
func (c Config) FrameTimeout() time.Duration {
	if c.FrameTimeoutSec > 0 {
		return util.SecsToDuration(c.FrameTimeoutSec)
	}
	return 2 * c.FrameTime()
}

// NewController builds the Controller described by the configuration,
// either the simulator or the hardware device.
func (c Config) NewController() (macie.Controller, error) {
	if c.Simulation {
		return macie.NewSim(macie.SimConfig{
			Cameras:         c.Cameras,
			Width:           c.Width,
			Height:          c.Height,
			FramePeriod:     util.SecsToDuration(c.SimFramePeriodSec),
			TelemetryRow:    c.TelemetryRow,
			TelemetryColumn: c.TelemetryColumn,
			ChipIDs:         c.ChipIDs,
			Pedestal:        1000,
			RampStep:        16,
		})
	}
	return macie.NewDevice(macie.Settings{
		Conn:            c.Controller.Conn,
		Addr:            c.Controller.Addr,
		SciAddr:         c.Controller.SciAddr,
		SerialPort:      c.Controller.SerialPort,
		SerialBaud:      c.Controller.SerialBaud,
		USBVendor:       c.Controller.USBVendor,
		USBProduct:      c.Controller.USBProduct,
		Cameras:         c.Cameras,
		Width:           c.Width,
		Height:          c.Height,
		LoadFiles:       c.Controller.LoadFiles,
		ReadFramesAddr:  c.Controller.ReadFramesAddr,
		ResetFramesAddr: c.Controller.ResetFramesAddr,
		StartAddr:       c.Controller.StartAddr,
		StartValue:      c.Controller.StartValue,
		InitWait:        util.SecsToDuration(c.Controller.InitWaitSec),
	}), nil
}
