package util_test

import (
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/asdetector/util"
)

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestTCPSetup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go ln.Accept()

	conn, err := util.TCPSetup(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("expected connection to succeed, got %v", err)
	}
	conn.Close()

	_, err = util.TCPSetup("127.0.0.1:1", 50*time.Millisecond)
	if err == nil {
		t.Error("expected connection to a dead port to fail")
	}
}
