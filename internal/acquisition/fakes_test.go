package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/interferogram"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func testConfig() *config.AcquisitionConfig {
	cfg := config.EmptyAcquisitionConfig()
	cfg.SweepLengthMM = f64(5)
	cfg.MotorSpeedMMs = f64(5)
	cfg.ResetSpeedMMs = f64(10)
	return cfg
}

// scriptedStream replays batches, then either ends the stream or, when
// endless is set, keeps producing fresh batches every tick.
type scriptedStream struct {
	mu      sync.Mutex
	batches []device.SampleBatch
	endless bool
	tick    time.Duration
	failAt  int // 1-based call that returns failErr
	failErr error
	calls   int
	counter float64
}

func (s *scriptedStream) Next(ctx context.Context) (device.SampleBatch, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	if s.failAt > 0 && call == s.failAt {
		s.mu.Unlock()
		return device.SampleBatch{}, s.failErr
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	endless := s.endless
	s.mu.Unlock()

	if !endless {
		return device.SampleBatch{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return device.SampleBatch{}, ctx.Err()
	case <-time.After(s.tick):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := device.SampleBatch{}
	for i := 0; i < 5; i++ {
		s.counter++
		b.Readings = append(b.Readings, device.Reading{Position: s.counter, Voltage: 1 + 0.001*s.counter})
	}
	return b, nil
}

type fakeDigitizer struct {
	mu         sync.Mutex
	stream     *scriptedStream
	channels   []string
	rate       int
	configErr  error
	beginErr   error
	begun      int
	ended      int
	configured int
}

func (d *fakeDigitizer) Configure(channels []string, rate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configured++
	d.channels, d.rate = channels, rate
	return d.configErr
}

func (d *fakeDigitizer) BeginStream(ctx context.Context) (device.BatchStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	d.begun++
	return d.stream, nil
}

func (d *fakeDigitizer) EndStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended++
	return nil
}

func (d *fakeDigitizer) Close() error { return nil }

func (d *fakeDigitizer) counts() (begun, ended int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begun, d.ended
}

// fakeAxis records commands. Moves take moveDelay; when hang is set every
// relative move blocks until its context ends.
type fakeAxis struct {
	mu        sync.Mutex
	calls     []string
	moveDelay time.Duration
	hang      bool
	failOn    string
}

func (a *fakeAxis) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	if a.failOn != "" && a.failOn == call {
		return errors.New("stage fault")
	}
	return nil
}

func (a *fakeAxis) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAxis) SetSpeed(ctx context.Context, v float64) error {
	return a.record(fmt.Sprintf("speed %g", v))
}

func (a *fakeAxis) MoveAbsolute(ctx context.Context, mm float64) error {
	return a.record(fmt.Sprintf("abs %g", mm))
}

func (a *fakeAxis) MoveRelative(ctx context.Context, mm float64) error {
	if err := a.record(fmt.Sprintf("rel %g", mm)); err != nil {
		return err
	}
	if a.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.moveDelay):
		return nil
	}
}

type fakeConnection struct {
	c *fakeConnector
}

func (f *fakeConnection) Axis(n int) (device.Axis, error) {
	if f.c.noAxis {
		return nil, device.ErrAxisUnavailable
	}
	return f.c.axis, nil
}

func (f *fakeConnection) Close() error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.c.open--
	f.c.closed++
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	axis    *fakeAxis
	noAxis  bool
	offline bool
	open    int
	closed  int
}

func (c *fakeConnector) Connect(ctx context.Context) (device.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return nil, device.ErrNoDevice
	}
	c.open++
	return &fakeConnection{c: c}, nil
}

func (c *fakeConnector) counts() (open, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.closed
}

// memStore is an in-memory RunStore.
type memStore struct {
	mu         sync.Mutex
	raw        []*interferogram.RawRun
	processed  []*interferogram.ProcessedRun
	aggregates []*interferogram.AggregateDataset
	saveErr    error
}

func (m *memStore) SaveRawRun(ctx context.Context, run *interferogram.RawRun) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.raw = append(m.raw, run)
	return fmt.Sprintf("run-%d", len(m.raw)), nil
}

func (m *memStore) SaveProcessedRun(ctx context.Context, id string, run *interferogram.ProcessedRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, run)
	return nil
}

func (m *memStore) LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.processed) == 0 {
		return nil, interferogram.ErrNoRuns
	}
	return m.processed[len(m.processed)-1], nil
}

func (m *memStore) RawRuns(ctx context.Context) ([]*interferogram.RawRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*interferogram.RawRun(nil), m.raw...), nil
}

func (m *memStore) SaveAggregate(ctx context.Context, ds *interferogram.AggregateDataset) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates = append(m.aggregates, ds)
	return fmt.Sprintf("agg-%d", len(m.aggregates)), nil
}

func (m *memStore) counts() (raw, processed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw), len(m.processed)
}
