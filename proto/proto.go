/*Package proto implements the length-framed message transport used between
the detector server and remote control software.

Every message, in either direction, is a 2-byte marker (0xBE 0xEF), a 4-byte
big-endian payload length, and the payload.  Commands travel as text
payloads.  A command's response stream is a sequence of text frames followed
by a single-byte terminator frame: ETX (0x03) for success, NAK (0x15) for
failure when the server is configured to NAK.

The byte-exact "command complete" message is therefore

	0xBE 0xEF 0x00 0x00 0x00 0x01 0x03
*/
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Terminator bytes for a command's response stream.
const (
	// ETX signals successful completion of a command
	ETX byte = 0x03

	// NAK signals failed completion of a command
	NAK byte = 0x15
)

// Marker is the 2-byte frame marker preceding every message.
var Marker = [2]byte{0xBE, 0xEF}

// MaxPayload bounds a frame payload; anything larger is a malformed frame.
// Frames carry text, not pixel data, so this is generous.
const MaxPayload = 1 << 20

// ErrMalformed is generated when a frame violates the framing rules.
type ErrMalformed struct {
	Reason string
}

func (e ErrMalformed) Error() string {
	return "malformed transport frame: " + e.Reason
}

// Write frames payload onto w.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrMalformed{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", len(payload))}
	}
	hdr := make([]byte, 6, 6+len(payload))
	hdr[0] = Marker[0]
	hdr[1] = Marker[1]
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	_, err := w.Write(append(hdr, payload...))
	return err
}

// WriteString frames a text payload onto w.
func WriteString(w io.Writer, s string) error {
	return Write(w, []byte(s))
}

// WriteTerminator frames a single terminator byte (ETX or NAK) onto w.
func WriteTerminator(w io.Writer, b byte) error {
	return Write(w, []byte{b})
}

// Read consumes one frame from r and returns its payload.
func Read(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != Marker[0] || hdr[1] != Marker[1] {
		return nil, ErrMalformed{Reason: fmt.Sprintf("bad marker % x", hdr[:2])}
	}
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > MaxPayload {
		return nil, ErrMalformed{Reason: fmt.Sprintf("length %d exceeds limit", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// IsTerminator reports whether a payload is a 1-byte ETX or NAK frame, and
// which one.
func IsTerminator(payload []byte) (term byte, ok bool) {
	if len(payload) == 1 && (payload[0] == ETX || payload[0] == NAK) {
		return payload[0], true
	}
	return 0, false
}

// FrameWriter adapts a stream to io.Writer, emitting one frame per Write.
// It lets a log.Logger stream command output to a remote client.
type FrameWriter struct {
	W io.Writer
}

func (fw FrameWriter) Write(p []byte) (int, error) {
	if err := Write(fw.W, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
