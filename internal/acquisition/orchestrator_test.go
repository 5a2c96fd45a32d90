package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/interferogram"
)

type rig struct {
	conn  *fakeConnector
	axis  *fakeAxis
	dig   *fakeDigitizer
	store *memStore
	orch  *Orchestrator
}

func newRig() *rig {
	axis := &fakeAxis{moveDelay: 30 * time.Millisecond}
	r := &rig{
		axis:  axis,
		conn:  &fakeConnector{axis: axis},
		dig:   &fakeDigitizer{stream: &scriptedStream{endless: true, tick: time.Millisecond}},
		store: &memStore{},
	}
	r.orch = NewOrchestrator(testConfig(), r.conn, r.dig, r.store, nil)
	r.orch.RetryDelay = time.Millisecond
	return r
}

func TestRunCycle_Success(t *testing.T) {
	r := newRig()

	processed, id, err := r.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	assert.Greater(t, processed.Len(), 10)

	raw, proc := r.store.counts()
	assert.Equal(t, 1, raw)
	assert.Equal(t, 1, proc)
	assert.Equal(t, processed.Len(), r.store.raw[0].Len())

	open, closed := r.conn.counts()
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, closed)

	latest := r.orch.LatestProcessedRun()
	require.NotNil(t, latest)
	assert.Equal(t, processed.Len(), latest.Len())
}

func TestRunCycle_NoDevice(t *testing.T) {
	r := newRig()
	r.conn.offline = true

	_, _, err := r.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrTransientDevice)
	assert.ErrorIs(t, err, device.ErrNoDevice)
	begun, _ := r.dig.counts()
	assert.Equal(t, 0, begun)
}

func TestRunCycle_AxisUnavailableReleasesConnection(t *testing.T) {
	r := newRig()
	r.conn.noAxis = true

	_, _, err := r.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrTransientDevice)
	assert.ErrorIs(t, err, device.ErrAxisUnavailable)
	open, closed := r.conn.counts()
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, closed)
}

func TestRunCycle_SweepFaultDiscardsRun(t *testing.T) {
	r := newRig()
	r.axis.failOn = "rel -5"

	_, _, err := r.orch.RunCycle(context.Background())
	require.Error(t, err)
	raw, _ := r.store.counts()
	assert.Equal(t, 0, raw, "partial runs are not persisted")
	open, _ := r.conn.counts()
	assert.Equal(t, 0, open)
	begun, ended := r.dig.counts()
	assert.Equal(t, begun, ended)
}

func TestRunCycle_NeverCompletingSweepIsStoppable(t *testing.T) {
	r := newRig()
	r.axis.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := r.orch.RunCycle(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStreaming, r.orch.Status().State)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not stop after external cancellation")
	}
	open, closed := r.conn.counts()
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, closed)
	begun, ended := r.dig.counts()
	assert.Equal(t, 1, begun)
	assert.Equal(t, 1, ended)
}

func TestRunCycle_Watchdog(t *testing.T) {
	r := newRig()
	r.axis.hang = true
	r.orch.Watchdog = 50 * time.Millisecond

	_, _, err := r.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrWatchdog)
	open, _ := r.conn.counts()
	assert.Equal(t, 0, open)
}

func TestRunCycle_TooShort(t *testing.T) {
	r := newRig()
	r.dig.stream = &scriptedStream{batches: []device.SampleBatch{
		{Readings: readings(1, 1, 2, 2)},
		{ErrorCount: 99, Readings: readings(3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10)},
	}}

	_, _, err := r.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrRunTooShort)
	raw, _ := r.store.counts()
	assert.Equal(t, 0, raw)
}

func TestRunCycle_DegenerateFitNotProcessed(t *testing.T) {
	r := newRig()
	var batch device.SampleBatch
	for i := 0; i < 20; i++ {
		batch.Readings = append(batch.Readings, device.Reading{Position: 7, Voltage: float64(i)})
	}
	r.dig.stream = &scriptedStream{batches: []device.SampleBatch{batch}}

	_, _, err := r.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, interferogram.ErrDegenerateFit)
	_, proc := r.store.counts()
	assert.Equal(t, 0, proc)
}

func TestRun_ContinuesAfterFailedCycles(t *testing.T) {
	r := newRig()
	r.conn.offline = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.orch.Run(ctx)
	}()

	require.Eventually(t, func() bool { return r.orch.Status().Failed >= 3 }, 2*time.Second, time.Millisecond)
	r.conn.mu.Lock()
	r.conn.offline = false
	r.conn.mu.Unlock()
	require.Eventually(t, func() bool { return r.orch.Status().Completed >= 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	st := r.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.GreaterOrEqual(t, st.Cycles, st.Completed+st.Failed)
	assert.NotEmpty(t, st.LastRunID)
	open, _ := r.conn.counts()
	assert.Equal(t, 0, open)
}

func TestRunUntil_StopEndsAfterCycleAndStampsStatus(t *testing.T) {
	r := newRig()

	before, err := json.Marshal(r.orch.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(before), "last_cycle_at", "no cycle has run yet")

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.orch.RunUntil(context.Background(), stop) }()

	require.Eventually(t, func() bool { return r.orch.Status().Cycles >= 1 }, 2*time.Second, time.Millisecond)
	close(stop)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunUntil did not return after stop")
	}

	st := r.orch.Status()
	assert.Equal(t, st.Cycles, st.Completed, "the cycle in flight when stop closed still completes")
	require.NotNil(t, st.LastCycleAt)
	after, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(after), `"last_cycle_at":`)
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{ErrTransientDevice, ErrRunTooShort, ErrWatchdog, ErrCollectionRunning}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v should not match %v", a, b)
			}
		}
	}
}
