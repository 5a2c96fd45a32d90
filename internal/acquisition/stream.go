package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/monitoring"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

var streamLogf = monitoring.Component("StreamSession")

// StreamSession owns one digitizer stream: it starts it, accumulates gated
// batches into a RawRun and stops it when the cycle token is cancelled.
type StreamSession struct {
	digitizer     device.Digitizer
	channels      []string
	rate          int
	gate          QualityGate
	positionBound float64
	clock         timeutil.Clock
}

// NewStreamSession returns a session reading d with the channels, rate and
// thresholds from cfg.
func NewStreamSession(d device.Digitizer, cfg *config.AcquisitionConfig, clock timeutil.Clock) *StreamSession {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StreamSession{
		digitizer:     d,
		channels:      cfg.Channels(),
		rate:          cfg.GetScanFrequencyHz(),
		gate:          NewQualityGate(cfg),
		positionBound: cfg.GetPositionBound(),
		clock:         clock,
	}
}

// Start streams until token is cancelled or the device ends the stream, and
// returns the finalized run. The token is checked between batches only. On a
// device fault the partial run is returned together with the error.
func (s *StreamSession) Start(ctx context.Context, token *Token) (*interferogram.RawRun, error) {
	if err := s.digitizer.Configure(s.channels, s.rate); err != nil {
		return nil, fmt.Errorf("%w: configure digitizer: %w", ErrTransientDevice, err)
	}
	stream, err := s.digitizer.BeginStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin stream: %w", ErrTransientDevice, err)
	}

	run := &interferogram.RawRun{StartTime: s.clock.Now()}
	streamErr := s.accumulate(ctx, token, stream, run)

	if err := s.digitizer.EndStream(); err != nil {
		streamLogf("end stream: %v", err)
		if streamErr == nil {
			streamErr = fmt.Errorf("%w: end stream: %w", ErrTransientDevice, err)
		}
	}

	if replaced := run.ClampPositions(s.positionBound); replaced > 0 {
		streamLogf("clamped %d positions above %g", replaced, s.positionBound)
	}
	run.EndTime = s.clock.Now()
	if run.DroppedBatches > 0 {
		streamLogf("dropped %d of %d batches at the quality gate", run.DroppedBatches, run.DroppedBatches+run.AcceptedBatches)
	}
	return run, streamErr
}

func (s *StreamSession) accumulate(ctx context.Context, token *Token, stream device.BatchStream, run *interferogram.RawRun) error {
	for !token.Cancelled() {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: read batch: %w", ErrTransientDevice, err)
		}
		if !s.gate.Accept(batch) {
			if run.DroppedBatches == 0 {
				streamLogf("dropping batch: errors=%d missed=%d", batch.ErrorCount, batch.MissedCount)
			}
			run.DroppedBatches++
			continue
		}
		run.AcceptedBatches++
		for _, r := range batch.Readings {
			run.Append(r.Position, r.Voltage)
		}
	}
	return nil
}
