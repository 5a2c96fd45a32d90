package acquisition

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fts.report/internal/digitizer"
	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/serialmux"
)

// newSerialBench returns a serial digitizer whose port answers START with
// one three-sample packet and then goes quiet.
func newSerialBench(t *testing.T) (*digitizer.SerialDigitizer, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	port.Respond = func(p []byte) []byte {
		if strings.TrimSpace(string(p)) == "START" {
			return []byte("OK\n" + `{"errors":0,"missed":0,"AIN200":[10,11,12],"AIN0":[1.0,1.1,1.2]}` + "\n")
		}
		return []byte("OK\n")
	}
	d := digitizer.NewSerialDigitizer(serialmux.NewSerialMux(port), 0)
	t.Cleanup(func() { d.Close() })
	return d, port
}

// unplugAfterStart fails the port once the stream has been started.
func unplugAfterStart(t *testing.T, port *serialmux.TestableSerialPort) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(string(port.GetWrittenData()), "START")
	}, 2*time.Second, time.Millisecond)
	port.FailRead(errors.New("device unplugged"))
}

func TestStreamSession_SerialReadFault(t *testing.T) {
	dig, port := newSerialBench(t)
	session := NewStreamSession(dig, testConfig(), nil)

	type result struct {
		run *interferogram.RawRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := session.Start(context.Background(), NewToken())
		done <- result{run, err}
	}()
	unplugAfterStart(t, port)

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.ErrorIs(t, res.err, ErrTransientDevice)
		assert.ErrorIs(t, res.err, digitizer.ErrDisconnected)
		require.NotNil(t, res.run)
		assert.Equal(t, []float64{10, 11, 12}, res.run.Position, "samples read before the fault are kept")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not report the port fault")
	}
}

func TestRunCycle_SerialReadFaultFailsCycle(t *testing.T) {
	r := newRig()
	r.axis.moveDelay = time.Second
	dig, port := newSerialBench(t)
	orch := NewOrchestrator(testConfig(), r.conn, dig, r.store, nil)

	done := make(chan error, 1)
	go func() {
		_, _, err := orch.RunCycle(context.Background())
		done <- err
	}()
	unplugAfterStart(t, port)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, digitizer.ErrDisconnected)
		assert.NotErrorIs(t, err, ErrWatchdog)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not fail on the port fault")
	}
	raw, _ := r.store.counts()
	assert.Equal(t, 0, raw)
	open, _ := r.conn.counts()
	assert.Equal(t, 0, open)
}
