package acquisition

import (
	"context"
	"fmt"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/monitoring"
)

var sweepLogf = monitoring.Component("SweepSession")

// SweepSession drives one axis through the reset and round-trip profile.
type SweepSession struct {
	axis       device.Axis
	length     float64
	startPoint float64
	resetSpeed float64
	motorSpeed float64
}

func NewSweepSession(axis device.Axis, cfg *config.AcquisitionConfig) *SweepSession {
	return &SweepSession{
		axis:       axis,
		length:     cfg.GetSweepLengthMM(),
		startPoint: cfg.GetStartPointMM(),
		resetSpeed: cfg.GetResetSpeedMMs(),
		motorSpeed: cfg.GetMotorSpeedMMs(),
	}
}

// Reset parks the axis at the start point at reset speed and leaves it set
// to the operating speed.
func (s *SweepSession) Reset(ctx context.Context) error {
	if err := s.axis.SetSpeed(ctx, s.resetSpeed); err != nil {
		return fmt.Errorf("set reset speed: %w", err)
	}
	if err := s.axis.MoveAbsolute(ctx, s.startPoint); err != nil {
		return fmt.Errorf("move to start point: %w", err)
	}
	if err := s.axis.SetSpeed(ctx, s.motorSpeed); err != nil {
		return fmt.Errorf("set motor speed: %w", err)
	}
	return nil
}

// PerformSweep moves forward by the sweep length and back again, then calls
// onComplete. onComplete is not called if either move fails.
func (s *SweepSession) PerformSweep(ctx context.Context, onComplete func()) error {
	if err := s.axis.MoveRelative(ctx, s.length); err != nil {
		return fmt.Errorf("forward stroke: %w", err)
	}
	if err := s.axis.MoveRelative(ctx, -s.length); err != nil {
		return fmt.Errorf("return stroke: %w", err)
	}
	sweepLogf("round trip of %g mm complete", s.length)
	onComplete()
	return nil
}
