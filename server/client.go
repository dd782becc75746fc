package server

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/asdetector/proto"
)

// Client drives a remote command server over the framed protocol.
type Client struct {
	conn net.Conn
}

// Dial connects to a command server, retrying with exponential backoff so a
// freshly launched server has a moment to bind.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, timeout)
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

/*Do sends one command and consumes the response stream, passing each text
frame to onFrame as it arrives, until the terminator.  It returns an error
for a NAK terminator.

There is deliberately no read deadline; an exposure holds the stream open
for its full multi-minute duration.
*/
func (c *Client) Do(cmd string, onFrame func(string)) error {
	if err := proto.WriteString(c.conn, cmd); err != nil {
		return err
	}
	for {
		payload, err := proto.Read(c.conn)
		if err != nil {
			return err
		}
		if term, ok := proto.IsTerminator(payload); ok {
			if term == proto.NAK {
				return fmt.Errorf("command %q failed on the server", cmd)
			}
			return nil
		}
		if onFrame != nil {
			onFrame(string(payload))
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
