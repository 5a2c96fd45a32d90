// Package simulate provides a virtual spectrometer bench: a linear stage and
// a streaming digitizer that share one mirror position, so the acquisition
// loop can run without hardware.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

// Options shapes the simulated signal. Zero values select the defaults.
type Options struct {
	Clock timeutil.Clock
	Seed  int64

	// CountsPerMM converts stage travel into encoder counts.
	CountsPerMM float64
	// EncoderNoise is the standard deviation of encoder jitter in counts.
	// Jitter below zero wraps the 16-bit counter, producing the large
	// readings that the acquisition clamps.
	EncoderNoise float64

	// ZeroPathMM is the stage position of zero optical path difference.
	ZeroPathMM   float64
	WavelengthMM float64
	CoherenceMM  float64
	Amplitude    float64
	Offset       float64
	// DriftPerSec is the slow detector drift the detrend removes.
	DriftPerSec float64
	Noise       float64

	// BatchSize is the number of scans per delivered batch.
	BatchSize int
	// BadBatchEvery marks every n-th batch with an error count above any
	// sane quality threshold. Zero disables it.
	BadBatchEvery int

	// Offline makes Connect report that no device answered.
	Offline bool
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.CountsPerMM == 0 {
		o.CountsPerMM = 300
	}
	if o.ZeroPathMM == 0 {
		o.ZeroPathMM = 25
	}
	if o.WavelengthMM == 0 {
		o.WavelengthMM = 0.3
	}
	if o.CoherenceMM == 0 {
		o.CoherenceMM = 2
	}
	if o.Amplitude == 0 {
		o.Amplitude = 0.2
	}
	if o.Offset == 0 {
		o.Offset = 1.5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Bench is the shared simulated hardware.
type Bench struct {
	opts  Options
	stage *Stage

	mu        sync.Mutex
	rng       *rand.Rand
	openConns int
	connects  int
	offline   bool
}

// NewBench returns a bench with the stage parked at 0 mm.
func NewBench(opts Options) *Bench {
	opts = opts.withDefaults()
	return &Bench{
		opts:    opts,
		stage:   NewStage(opts.Clock),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		offline: opts.Offline,
	}
}

// Stage returns the virtual stage.
func (b *Bench) Stage() *Stage { return b.stage }

// SetOffline toggles whether Connect finds a device.
func (b *Bench) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// OpenConnections reports connections that have not been closed.
func (b *Bench) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openConns
}

// Connects reports the number of successful Connect calls.
func (b *Bench) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Connect implements device.Connector.
func (b *Bench) Connect(ctx context.Context) (device.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, fmt.Errorf("%w: simulated bench offline", device.ErrNoDevice)
	}
	b.openConns++
	b.connects++
	return &connection{bench: b}, nil
}

// Digitizer returns a new digitizer reading the bench.
func (b *Bench) Digitizer() *Digitizer {
	return &Digitizer{bench: b}
}

// encoderCount converts a stage position into the 16-bit encoder reading.
func (b *Bench) encoderCount(mm float64) float64 {
	counts := math.Round(mm*b.opts.CountsPerMM + b.rng.NormFloat64()*b.opts.EncoderNoise)
	if counts < 0 {
		counts += 1 << 16
	}
	return counts
}

func (b *Bench) voltage(mm float64, elapsed time.Duration) float64 {
	o := b.opts
	opd := 2 * (mm - o.ZeroPathMM)
	envelope := math.Exp(-(opd / o.CoherenceMM) * (opd / o.CoherenceMM))
	v := o.Offset + o.DriftPerSec*elapsed.Seconds() + o.Amplitude*envelope*math.Cos(2*math.Pi*opd/o.WavelengthMM)
	return v + b.rng.NormFloat64()*o.Noise
}

// Digitizer is a simulated streaming ADC sampling the bench.
type Digitizer struct {
	bench *Bench

	mu       sync.Mutex
	rate     int
	channels []string
	stream   *stream
	closed   bool
}

func (d *Digitizer) Configure(channels []string, rate int) error {
	if len(channels) != 2 {
		return fmt.Errorf("need exactly 2 channels (position, voltage), got %d", len(channels))
	}
	if rate <= 0 {
		return fmt.Errorf("scan rate must be positive, got %d", rate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append([]string(nil), channels...)
	d.rate = rate
	return nil
}

func (d *Digitizer) BeginStream(ctx context.Context) (device.BatchStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("digitizer closed")
	}
	if d.rate == 0 {
		return nil, errors.New("digitizer not configured")
	}
	if d.stream != nil {
		return nil, errors.New("stream already running")
	}
	now := d.bench.opts.Clock.Now()
	d.stream = &stream{
		bench:  d.bench,
		period: time.Second / time.Duration(d.rate),
		begun:  now,
		next:   now,
		done:   make(chan struct{}),
	}
	return d.stream, nil
}

func (d *Digitizer) EndStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return device.ErrStreamNotStarted
	}
	close(d.stream.done)
	d.stream = nil
	return nil
}

func (d *Digitizer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		close(d.stream.done)
		d.stream = nil
	}
	d.closed = true
	return nil
}

type stream struct {
	bench   *Bench
	period  time.Duration
	begun   time.Time
	next    time.Time
	batches int
	done    chan struct{}
}

// Next waits until a full batch worth of scans has elapsed, then samples
// the stage at each scan time.
func (s *stream) Next(ctx context.Context) (device.SampleBatch, error) {
	b := s.bench
	n := b.opts.BatchSize
	due := s.next.Add(time.Duration(n) * s.period)
	if wait := due.Sub(b.opts.Clock.Now()); wait > 0 {
		select {
		case <-s.done:
			return device.SampleBatch{}, io.EOF
		case <-ctx.Done():
			return device.SampleBatch{}, ctx.Err()
		case <-b.opts.Clock.After(wait):
		}
	}
	select {
	case <-s.done:
		return device.SampleBatch{}, io.EOF
	default:
	}

	s.batches++
	batch := device.SampleBatch{Readings: make([]device.Reading, n)}
	if every := b.opts.BadBatchEvery; every > 0 && s.batches%every == 0 {
		batch.ErrorCount = 1000
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range batch.Readings {
		t := s.next.Add(time.Duration(i) * s.period)
		mm := b.stage.PositionAt(t)
		batch.Readings[i] = device.Reading{
			Position: b.encoderCount(mm),
			Voltage:  b.voltage(mm, t.Sub(s.begun)),
		}
	}
	s.next = due
	return batch, nil
}
