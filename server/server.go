/*Package server exposes a detector Session over the network.

The TCP command server speaks the length-framed protocol: each inbound frame
is one command line, and the response is a stream of text frames (the
command's log output plus any reply payload) closed by a terminator frame,
ETX on success or NAK on failure when the session is configured to NAK.

Connections are independent; command serialization happens in the Session,
so a second client issuing a command mid-exposure is told the session is
busy rather than silently queued.  A read-only HTTP monitor serves the
status record for dashboards and scripts that do not speak the framed
protocol.
*/
package server

import (
	"io"
	"log"
	"net"

	"github.com/nasa-jpl/asdetector/detector"
	"github.com/nasa-jpl/asdetector/proto"
)

// TCP is the framed command server.
type TCP struct {
	sess *detector.Session
	ln   net.Listener
}

// NewTCP returns a command server driving sess.
func NewTCP(sess *detector.Session) *TCP {
	return &TCP{sess: sess}
}

// ListenAndServe binds addr and serves until the listener fails.
func (s *TCP) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Println("listening for commands at", addr)
	return s.Serve(ln)
}

// Serve accepts connections on ln, one goroutine per connection.
func (s *TCP) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serve(conn)
	}
}

// Close stops accepting connections.
func (s *TCP) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *TCP) serve(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr()
	log.Println("client connected from", addr)
	for {
		payload, err := proto.Read(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("client %s dropped: %v", addr, err)
			}
			return
		}
		s.handle(conn, string(payload))
	}
}

// handle runs one command and streams its output back as frames.
func (s *TCP) handle(conn net.Conn, line string) {
	logger := log.New(io.MultiWriter(log.Writer(), proto.FrameWriter{W: conn}), "", log.LstdFlags)
	reply, err := s.sess.Execute(line, logger)
	if err != nil {
		logger.Printf("command %q failed: %v", line, err)
		term := byte(proto.ETX)
		if s.sess.ErrorNAK() {
			term = proto.NAK
		}
		if werr := proto.WriteTerminator(conn, term); werr != nil {
			log.Println("terminator write failed:", werr)
		}
		return
	}
	if reply != "" {
		if werr := proto.WriteString(conn, reply); werr != nil {
			log.Println("reply write failed:", werr)
			return
		}
	}
	logger.Printf("Completed request %q", line)
	if werr := proto.WriteTerminator(conn, proto.ETX); werr != nil {
		log.Println("terminator write failed:", werr)
	}
}
