package macie

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gousb"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/asdetector/util"
)

// sciLink is a science data channel; one ReadFrame returns one combined
// multiplexed transaction of n samples.
type sciLink interface {
	ReadFrame(samples int, timeout time.Duration) ([]uint16, error)
	Close() error
}

func openSciLink(s Settings) (sciLink, error) {
	switch s.Conn {
	case "uart":
		port, err := serial.OpenPort(&serial.Config{Name: s.SerialPort, Baud: s.SerialBaud, ReadTimeout: 3 * time.Second})
		if err != nil {
			return nil, err
		}
		return &streamSci{r: port, closer: port}, nil
	case "usb":
		return openUSBSci(s)
	default: // gige: dedicated science port on the controller
		conn, err := util.TCPSetup(s.SciAddr, 3*time.Second)
		if err != nil {
			return nil, err
		}
		return &tcpSci{conn: conn}, nil
	}
}

// decodeSamples converts the controller's little-endian byte stream to samples.
func decodeSamples(buf []byte) []uint16 {
	out := make([]uint16, len(buf)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return out
}

// tcpSci reads frames from the GigE science port, bounding each frame read
// with a deadline.
type tcpSci struct {
	conn net.Conn
}

func (t *tcpSci) ReadFrame(samples int, timeout time.Duration) ([]uint16, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, samples*2)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, err
	}
	return decodeSamples(buf), nil
}

func (t *tcpSci) Close() error { return t.conn.Close() }

// streamSci reads frames from a byte stream without deadline support; the
// transport's own read timeout bounds each chunk.
type streamSci struct {
	r      io.Reader
	closer io.Closer
}

func (s *streamSci) ReadFrame(samples int, timeout time.Duration) ([]uint16, error) {
	buf := make([]byte, samples*2)
	deadline := time.Now().Add(timeout)
	read := 0
	for read < len(buf) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("science read timed out after %v", timeout)
		}
		n, err := s.r.Read(buf[read:])
		read += n
		if err != nil && err != io.EOF {
			return nil, err
		}
	}
	return decodeSamples(buf), nil
}

func (s *streamSci) Close() error { return s.closer.Close() }

// usbDev wraps a claimed gousb device; its bulk endpoints back both the
// register channel and the science link.
type usbDev struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func openUSBDev(s Settings) (*usbDev, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(s.USBVendor), gousb.ID(s.USBProduct))
	if err != nil {
		ctx.Close()
		return nil, err
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("no USB controller with id %04x:%04x", s.USBVendor, s.USBProduct)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	var (
		in  *gousb.InEndpoint
		out *gousb.OutEndpoint
	)
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			break
		}
	}
	if err == nil && (in == nil || out == nil) {
		err = fmt.Errorf("controller lacks bulk in/out endpoint pair")
	}
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return &usbDev{ctx: ctx, dev: dev, done: done, in: in, out: out}, nil
}

func (u *usbDev) Read(p []byte) (int, error)  { return u.in.Read(p) }
func (u *usbDev) Write(p []byte) (int, error) { return u.out.Write(p) }

func (u *usbDev) Close() error {
	u.done()
	err := u.dev.Close()
	u.ctx.Close()
	return err
}

func openUSBChannel(s Settings) (io.ReadWriteCloser, error) {
	return openUSBDev(s)
}

func openUSBSci(s Settings) (sciLink, error) {
	dev, err := openUSBDev(s)
	if err != nil {
		return nil, err
	}
	return &streamSci{r: dev, closer: dev}, nil
}
