/*Package macie speaks to MACIE-class multi-ASIC readout controllers.

The vendor driver itself lives outside this module; the Controller interface
is the boundary the acquisition core depends on.  This package provides the
register/command channel over GigE (TCP), UART (serial), or USB, a science
data link for frame readout, and a software simulator used when no hardware
is attached.
*/
package macie

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/asdetector/util"
)

var (
	// ErrNotConnected is generated when the command channel is used before Open
	ErrNotConnected = fmt.Errorf("not connected to controller")

	terminator = byte('\r')
)

// cmdTimeout bounds one register transaction, dial included.
const cmdTimeout = 3 * time.Second

// Controller is the hardware collaborator consumed by the acquisition core.
// One science read returns the combined buffer for all enabled cameras in
// one multiplexed transaction.
type Controller interface {
	// Open acquires the exclusive hardware handle
	Open() error

	// Init programs clocks and biases and prepares the science interface
	Init() error

	// StartAcquisition arms the ASICs for a ramp of the given science and
	// reset frame counts
	StartAcquisition(scienceFrames, resetFrames int) error

	// ReadFrame blocks until the next combined frame is available or the
	// timeout elapses.  The buffer interleaves all enabled cameras.
	ReadFrame(timeout time.Duration) ([]uint16, error)

	// Close releases the hardware handle
	Close() error
}

// Settings configures a hardware Device.
type Settings struct {
	// Conn selects the register channel transport: gige, uart, or usb
	Conn string

	// Addr is the command channel address for gige, host:port
	Addr string

	// SciAddr is the science data channel address for gige
	SciAddr string

	// SerialPort and SerialBaud configure the uart transport
	SerialPort string
	SerialBaud int

	// USBVendor and USBProduct identify the usb transport device
	USBVendor  uint16
	USBProduct uint16

	// Cameras, Width and Height fix the combined transaction geometry
	Cameras int
	Width   int
	Height  int

	// LoadFiles are register load files streamed to the hardware on Init,
	// each line an ADDR VALUE pair in hex
	LoadFiles []string

	// Register addresses for arming acquisition
	ReadFramesAddr  uint16
	ResetFramesAddr uint16
	StartAddr       uint16
	StartValue      uint16

	// InitWait is the settle time after register programming
	InitWait time.Duration
}

// Device drives real hardware through a register channel and a science link.
type Device struct {
	s   Settings
	cmd *registerChannel
	sci sciLink
}

// NewDevice returns an unopened Device for the given settings.
func NewDevice(s Settings) *Device {
	return &Device{s: s}
}

// Open dials the register channel and the science link.
func (d *Device) Open() error {
	ch, err := openRegisterChannel(d.s)
	if err != nil {
		return err
	}
	sci, err := openSciLink(d.s)
	if err != nil {
		ch.Close()
		return err
	}
	d.cmd = ch
	d.sci = sci
	return nil
}

// Init streams each configured load file to the hardware, then waits the
// configured settle time.
func (d *Device) Init() error {
	if d.cmd == nil {
		return ErrNotConnected
	}
	for _, lf := range d.s.LoadFiles {
		if err := d.downloadLoadFile(lf); err != nil {
			return fmt.Errorf("load file %s: %w", lf, err)
		}
	}
	time.Sleep(d.s.InitWait)
	return nil
}

// StartAcquisition writes the frame count registers and the start register.
func (d *Device) StartAcquisition(scienceFrames, resetFrames int) error {
	if d.cmd == nil {
		return ErrNotConnected
	}
	if err := d.cmd.WriteRegister(d.s.ReadFramesAddr, uint16(scienceFrames)); err != nil {
		return err
	}
	if err := d.cmd.WriteRegister(d.s.ResetFramesAddr, uint16(resetFrames)); err != nil {
		return err
	}
	return d.cmd.WriteRegister(d.s.StartAddr, d.s.StartValue)
}

// ReadFrame reads one combined transaction from the science link.
func (d *Device) ReadFrame(timeout time.Duration) ([]uint16, error) {
	if d.sci == nil {
		return nil, ErrNotConnected
	}
	total := d.s.Cameras * d.s.Width * d.s.Height
	return d.sci.ReadFrame(total, timeout)
}

// Close releases both channels.  The handle is released even if one of the
// two closes reports an error.
func (d *Device) Close() error {
	var firstErr error
	if d.sci != nil {
		if err := d.sci.Close(); err != nil {
			firstErr = err
		}
		d.sci = nil
	}
	if d.cmd != nil {
		if err := d.cmd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.cmd = nil
	}
	return firstErr
}

// downloadLoadFile writes every ADDR VALUE pair in a load file.  Blank lines
// and lines starting with # are skipped.
func (d *Device) downloadLoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("bad load file line %q", line)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 16)
		if err != nil {
			return err
		}
		val, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 16)
		if err != nil {
			return err
		}
		if err := d.cmd.WriteRegister(uint16(addr), uint16(val)); err != nil {
			return err
		}
	}
	return sc.Err()
}

/*registerChannel is the command side of the controller: an ASCII
request/response link that reads and writes 16-bit registers.

the channel is opened with an exponential backoff; the controller's GigE
command port does not like being connection thrashed right after power-on.
*/
type registerChannel struct {
	conn io.ReadWriteCloser

	// rdr persists across transactions; bytes buffered past one response's
	// terminator belong to the next response and must not be discarded
	rdr *bufio.Reader
}

func openRegisterChannel(s Settings) (*registerChannel, error) {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	op := func() error {
		switch s.Conn {
		case "uart":
			conn, err = serial.OpenPort(&serial.Config{Name: s.SerialPort, Baud: s.SerialBaud, ReadTimeout: 3 * time.Second})
		case "usb":
			conn, err = openUSBChannel(s)
		default: // gige
			conn, err = util.TCPSetup(s.Addr, cmdTimeout)
		}
		return err
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	return &registerChannel{conn: conn, rdr: bufio.NewReader(conn)}, nil
}

// WriteRegister writes a register; the remote acks each write.
func (c *registerChannel) WriteRegister(addr, value uint16) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	cmd := fmt.Sprintf("W %04X %04X", addr, value)
	_, err := c.sendRecv([]byte(cmd))
	return err
}

// ReadRegister reads a register value.
func (c *registerChannel) ReadRegister(addr uint16) (uint16, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	resp, err := c.sendRecv([]byte(fmt.Sprintf("R %04X", addr)))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(resp)), 16, 16)
	return uint16(v), err
}

// sendRecv runs one terminated request/response transaction.  The deadline
// set at dial time only covers the dial; a channel lives for the whole
// session, so each transaction gets a fresh one.
func (c *registerChannel) sendRecv(b []byte) ([]byte, error) {
	if nc, ok := c.conn.(net.Conn); ok {
		if err := nc.SetDeadline(time.Now().Add(cmdTimeout)); err != nil {
			return nil, err
		}
	}
	b = append(b, terminator)
	if _, err := c.conn.Write(b); err != nil {
		return nil, err
	}
	buf, err := c.rdr.ReadBytes(terminator)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{terminator}), nil
}

func (c *registerChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
