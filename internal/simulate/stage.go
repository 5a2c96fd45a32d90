package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

// ErrStalled is returned by moves on a stage configured to stall.
var ErrStalled = errors.New("stage stalled")

// Stage is a virtual single-axis linear stage. Moves run at the configured
// speed in clock time and block until the target is reached.
type Stage struct {
	clock timeutil.Clock

	mu       sync.Mutex
	from     float64 // mm, position at segment start
	to       float64 // mm, segment target
	started  time.Time
	speed    float64 // mm/s of the current segment
	maxSpeed float64 // mm/s for new segments
	stall    bool
	moves    int
}

// NewStage returns a stage parked at 0 mm.
func NewStage(clock timeutil.Clock) *Stage {
	return &Stage{clock: clock, maxSpeed: 1, started: clock.Now()}
}

// Position returns the current mirror position in mm.
func (s *Stage) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionAt(s.clock.Now())
}

// PositionAt returns the mirror position at t in mm.
func (s *Stage) PositionAt(t time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionAt(t)
}

func (s *Stage) positionAt(t time.Time) float64 {
	if s.speed <= 0 || s.from == s.to {
		return s.to
	}
	travelled := s.speed * t.Sub(s.started).Seconds()
	if travelled <= 0 {
		return s.from
	}
	span := s.to - s.from
	if travelled >= math.Abs(span) {
		return s.to
	}
	return s.from + math.Copysign(travelled, span)
}

// SetStall makes every subsequent move hang until its context ends.
func (s *Stage) SetStall(stall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = stall
}

// Moves returns the number of moves started.
func (s *Stage) Moves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves
}

func (s *Stage) setSpeed(mmPerSec float64) error {
	if mmPerSec <= 0 {
		return fmt.Errorf("speed must be positive, got %g", mmPerSec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSpeed = mmPerSec
	return nil
}

func (s *Stage) moveTo(ctx context.Context, target func(current float64) float64) error {
	s.mu.Lock()
	now := s.clock.Now()
	current := s.positionAt(now)
	s.from, s.to = current, target(current)
	s.started = now
	s.speed = s.maxSpeed
	s.moves++
	stall := s.stall
	d := time.Duration(math.Abs(s.to-s.from) / s.speed * float64(time.Second))
	s.mu.Unlock()

	if stall {
		<-ctx.Done()
		s.halt()
		return fmt.Errorf("%w: %v", ErrStalled, ctx.Err())
	}

	if d <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		s.halt()
		return ctx.Err()
	}
}

// halt freezes the stage at its current position.
func (s *Stage) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positionAt(s.clock.Now())
	s.from, s.to = p, p
}

type stageAxis struct {
	stage *Stage
}

func (a stageAxis) SetSpeed(_ context.Context, mmPerSec float64) error {
	return a.stage.setSpeed(mmPerSec)
}

func (a stageAxis) MoveAbsolute(ctx context.Context, mm float64) error {
	return a.stage.moveTo(ctx, func(float64) float64 { return mm })
}

func (a stageAxis) MoveRelative(ctx context.Context, mm float64) error {
	return a.stage.moveTo(ctx, func(current float64) float64 { return current + mm })
}

type connection struct {
	bench  *Bench
	once   sync.Once
	closed bool
}

func (c *connection) Axis(number int) (device.Axis, error) {
	if number != 1 {
		return nil, fmt.Errorf("%w: simulated stage has only axis 1, asked for %d", device.ErrAxisUnavailable, number)
	}
	return stageAxis{stage: c.bench.stage}, nil
}

func (c *connection) Close() error {
	c.once.Do(func() {
		c.bench.mu.Lock()
		c.bench.openConns--
		c.bench.mu.Unlock()
	})
	return nil
}
