package server

import (
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/asdetector/detector"
	"github.com/nasa-jpl/asdetector/status"
)

func testSession(t *testing.T, nak bool) *detector.Session {
	t.Helper()
	dir, err := ioutil.TempDir("", "server")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := detector.Config{
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
		ErrorNAK:           nak,
		DataRoot:           dir,
		Prefix:             "t",
		Simulation:         true,
	}
	ctrl, err := cfg.NewController()
	require.NoError(t, err)
	sess, err := detector.NewSession(cfg, ctrl)
	require.NoError(t, err)
	return sess
}

func testClient(t *testing.T, sess *detector.Session) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewTCP(sess)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	c, err := Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCommandRoundTrip(t *testing.T) {
	sess := testSession(t, false)
	c := testClient(t, sess)

	var frames []string
	collect := func(s string) { frames = append(frames, s) }

	require.NoError(t, c.Do("OPEN", collect))
	require.NoError(t, c.Do("INIT", collect))
	require.NoError(t, c.Do("START 4 0 1", collect))
	assert.Equal(t, detector.Initialized, sess.State())

	all := strings.Join(frames, "\n")
	assert.Contains(t, all, "controller opened")
	assert.Contains(t, all, "Completed request")

	frames = nil
	require.NoError(t, c.Do("STATUS", collect))
	all = strings.Join(frames, "\n")
	assert.Contains(t, all, "START 4 0 1")
	assert.Contains(t, all, "ExposureFrames")

	require.NoError(t, c.Do("CLOSE", collect))
	assert.Equal(t, detector.Closed, sess.State())
}

func TestFailureStreamsErrorTextWithETX(t *testing.T) {
	sess := testSession(t, false)
	c := testClient(t, sess)

	var frames []string
	err := c.Do("BOGUS", func(s string) { frames = append(frames, s) })
	require.NoError(t, err) // ETX terminator, failure only in the text
	assert.Contains(t, strings.Join(frames, "\n"), "failed")
}

func TestFailureNAKsWhenConfigured(t *testing.T) {
	sess := testSession(t, true)
	c := testClient(t, sess)
	assert.Error(t, c.Do("BOGUS", nil))
	// the session itself is fine afterward
	assert.NoError(t, c.Do("OPEN", nil))
}

func TestHTTPMonitor(t *testing.T) {
	sess := testSession(t, false)
	hs := httptest.NewServer(NewHTTPMonitor(sess))
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec status.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.NotNil(t, rec.ExposureFrames)

	resp2, err := http.Get(hs.URL + "/state")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, _ := ioutil.ReadAll(resp2.Body)
	assert.Equal(t, "Closed", strings.TrimSpace(string(body)))
}
