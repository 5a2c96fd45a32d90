package simulate

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func waitPending(t *testing.T, clock *timeutil.MockClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStage_MoveInterpolates(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	stage := NewStage(clock)
	axis := stageAxis{stage: stage}
	require.NoError(t, axis.SetSpeed(context.Background(), 2))

	done := make(chan error, 1)
	go func() { done <- axis.MoveRelative(context.Background(), 10) }()
	waitPending(t, clock, 1)

	clock.Advance(2500 * time.Millisecond)
	assert.InDelta(t, 5, stage.Position(), 1e-9)

	clock.Advance(2500 * time.Millisecond)
	require.NoError(t, <-done)
	assert.InDelta(t, 10, stage.Position(), 1e-9)

	go func() { done <- axis.MoveAbsolute(context.Background(), 4) }()
	waitPending(t, clock, 1)
	clock.Advance(time.Second)
	assert.InDelta(t, 8, stage.Position(), 1e-9)
	clock.Advance(2 * time.Second)
	require.NoError(t, <-done)
	assert.InDelta(t, 4, stage.Position(), 1e-9)
	assert.Equal(t, 2, stage.Moves())

	assert.Error(t, axis.SetSpeed(context.Background(), 0))
}

func TestStage_CancelHaltsInPlace(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	stage := NewStage(clock)
	axis := stageAxis{stage: stage}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- axis.MoveRelative(ctx, 10) }()
	waitPending(t, clock, 1)

	clock.Advance(3 * time.Second)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	clock.Advance(time.Minute)
	assert.InDelta(t, 3, stage.Position(), 1e-9)
}

func TestStage_Stall(t *testing.T) {
	stage := NewStage(timeutil.RealClock{})
	stage.SetStall(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := stageAxis{stage: stage}.MoveRelative(ctx, 1)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestBench_Connections(t *testing.T) {
	bench := NewBench(Options{})
	conn, err := bench.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bench.OpenConnections())

	_, err = conn.Axis(2)
	assert.ErrorIs(t, err, device.ErrAxisUnavailable)
	_, err = conn.Axis(1)
	assert.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, bench.OpenConnections())
	assert.Equal(t, 1, bench.Connects())

	bench.SetOffline(true)
	_, err = bench.Connect(context.Background())
	assert.ErrorIs(t, err, device.ErrNoDevice)
}

func TestDigitizer_StreamsStagePosition(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bench := NewBench(Options{Clock: clock, BatchSize: 10, BadBatchEvery: 3})
	dig := bench.Digitizer()

	_, err := dig.BeginStream(context.Background())
	assert.Error(t, err, "unconfigured digitizer must not stream")

	require.NoError(t, dig.Configure([]string{"AIN200", "AIN0"}, 1000))
	stream, err := dig.BeginStream(context.Background())
	require.NoError(t, err)

	next := func() (device.SampleBatch, error) {
		type result struct {
			b   device.SampleBatch
			err error
		}
		ch := make(chan result, 1)
		go func() {
			b, err := stream.Next(context.Background())
			ch <- result{b, err}
		}()
		waitPending(t, clock, 1)
		clock.Advance(10 * time.Millisecond)
		r := <-ch
		return r.b, r.err
	}

	for i := 1; i <= 3; i++ {
		batch, err := next()
		require.NoError(t, err)
		require.Len(t, batch.Readings, 10)
		if i == 3 {
			assert.Equal(t, 1000, batch.ErrorCount)
		} else {
			assert.Equal(t, 0, batch.ErrorCount)
		}
		for _, r := range batch.Readings {
			assert.Equal(t, 0.0, r.Position)
		}
	}

	require.NoError(t, dig.EndStream())
	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, io.EOF))
	assert.ErrorIs(t, dig.EndStream(), device.ErrStreamNotStarted)
	require.NoError(t, dig.Close())
}

func TestBench_EncoderUnderflowWraps(t *testing.T) {
	bench := NewBench(Options{EncoderNoise: 5, Seed: 7})
	var wrapped, small int
	for i := 0; i < 1000; i++ {
		c := bench.encoderCount(0)
		switch {
		case c > 17000:
			wrapped++
			assert.Greater(t, c, 65000.0)
		default:
			small++
			assert.LessOrEqual(t, c, 30.0)
		}
	}
	assert.Positive(t, wrapped, "negative jitter should wrap the counter")
	assert.Positive(t, small)
}

func TestBench_VoltageShape(t *testing.T) {
	bench := NewBench(Options{})
	peak := bench.voltage(25, 0)
	far := bench.voltage(45, 0)
	assert.InDelta(t, 1.7, peak, 1e-9, "zero path difference gives the full fringe")
	assert.InDelta(t, 1.5, far, 1e-6, "fringes vanish outside the coherence length")
}
