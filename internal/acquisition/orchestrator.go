// Package acquisition runs the measurement loop: each cycle connects to the
// actuator, resets the axis, streams the digitizer while the mirror makes a
// round trip, then reduces and stores the run.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/monitoring"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

var logf = monitoring.Component("Orchestrator")

// RunStore persists runs and serves them back for aggregation.
type RunStore interface {
	SaveRawRun(ctx context.Context, run *interferogram.RawRun) (string, error)
	SaveProcessedRun(ctx context.Context, rawID string, run *interferogram.ProcessedRun) error
	LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, error)
	RawRuns(ctx context.Context) ([]*interferogram.RawRun, error)
	SaveAggregate(ctx context.Context, dataset *interferogram.AggregateDataset) (string, error)
}

// Status is a snapshot of the orchestrator for the control surface.
type Status struct {
	State       State      `json:"state"`
	Cycles      int        `json:"cycles"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	LastError   string     `json:"last_error,omitempty"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	LastRunID   string     `json:"last_run_id,omitempty"`
}

// Orchestrator runs acquisition cycles until its context ends. Cycles never
// overlap.
type Orchestrator struct {
	cfg       *config.AcquisitionConfig
	connector device.Connector
	store     RunStore
	stream    *StreamSession
	clock     timeutil.Clock

	// RetryDelay is the pause after a failed cycle before the next one.
	RetryDelay time.Duration
	// Watchdog bounds the joined wait on the stream and sweep tasks.
	Watchdog time.Duration

	mu     sync.Mutex
	status Status
	latest *interferogram.ProcessedRun
}

// NewOrchestrator wires the devices and store for repeated cycles. A nil
// clock selects the wall clock.
func NewOrchestrator(cfg *config.AcquisitionConfig, connector device.Connector, digitizer device.Digitizer, store RunStore, clock timeutil.Clock) *Orchestrator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Orchestrator{
		cfg:        cfg,
		connector:  connector,
		store:      store,
		stream:     NewStreamSession(digitizer, cfg, clock),
		clock:      clock,
		RetryDelay: time.Second,
		Watchdog:   cfg.WatchdogTimeout(),
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.status.State = s
	o.mu.Unlock()
}

// Status returns a snapshot of the loop state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LatestProcessedRun returns the most recent run processed by this
// orchestrator, or nil.
func (o *Orchestrator) LatestProcessedRun() *interferogram.ProcessedRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		return nil
	}
	return o.latest.Clone()
}

// Run loops over cycles until ctx is cancelled. A failed cycle is logged
// and the loop carries on; Run itself only returns when stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.RunUntil(ctx, nil)
}

// RunUntil is Run with a keep-running flag: once stop is closed the loop
// finishes the cycle in flight, stores its run and returns before starting
// another. Cancelling ctx instead aborts the cycle in flight.
func (o *Orchestrator) RunUntil(ctx context.Context, stop <-chan struct{}) error {
	defer o.setState(StateIdle)
	for ctx.Err() == nil && !stopRequested(stop) {
		o.mu.Lock()
		o.status.Cycles++
		cycle := o.status.Cycles
		o.mu.Unlock()

		start := o.clock.Now()
		processed, id, err := o.RunCycle(ctx)

		o.mu.Lock()
		now := o.clock.Now()
		o.status.LastCycleAt = &now
		if err != nil {
			o.status.Failed++
			o.status.LastError = err.Error()
		} else {
			o.status.Completed++
			o.status.LastError = ""
			o.status.LastRunID = id
		}
		o.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				logf("cycle %d interrupted: %v", cycle, err)
				break
			}
			logf("cycle %d failed: %v", cycle, err)
			select {
			case <-ctx.Done():
			case <-stop:
			case <-o.clock.After(o.RetryDelay):
			}
			continue
		}
		logf("cycle %d complete: run %s, %d samples in %v", cycle, id, processed.Len(), o.clock.Since(start).Round(time.Millisecond))
	}
	logf("stopped after %d cycles", o.Status().Cycles)
	return nil
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// RunCycle performs one connect, reset, stream and sweep, process pass and
// returns the processed run with its stored id. The actuator connection is
// closed on every path.
func (o *Orchestrator) RunCycle(ctx context.Context) (*interferogram.ProcessedRun, string, error) {
	o.setState(StateConnecting)
	conn, err := o.connector.Connect(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: connect: %w", ErrTransientDevice, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logf("close actuator: %v", err)
		}
	}()

	o.setState(StateResetting)
	axis, err := conn.Axis(o.cfg.GetAxis())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrTransientDevice, err)
	}
	sweep := NewSweepSession(axis, o.cfg)
	if err := sweep.Reset(ctx); err != nil {
		return nil, "", fmt.Errorf("%w: reset: %w", ErrTransientDevice, err)
	}

	o.setState(StateStreaming)
	run, err := o.acquire(ctx, sweep)
	if err != nil {
		return nil, "", err
	}

	o.setState(StateProcessing)
	if run.Len() < o.cfg.GetMinRunSamples() {
		return nil, "", fmt.Errorf("%w: %d samples, need %d (%d batches dropped)",
			ErrRunTooShort, run.Len(), o.cfg.GetMinRunSamples(), run.DroppedBatches)
	}
	id, err := o.store.SaveRawRun(ctx, run)
	if err != nil {
		return nil, "", fmt.Errorf("save raw run: %w", err)
	}
	processed, err := run.Process(o.cfg.GetPolyDegree())
	if err != nil {
		return nil, "", fmt.Errorf("process run %s: %w", id, err)
	}
	if err := o.store.SaveProcessedRun(ctx, id, processed); err != nil {
		return nil, "", fmt.Errorf("save processed run %s: %w", id, err)
	}

	o.mu.Lock()
	o.latest = processed.Clone()
	o.mu.Unlock()
	return processed, id, nil
}

// acquire runs the stream and sweep tasks under one fresh token and joins
// them. The sweep's completion cancels the token; a sweep fault, the
// watchdog or ctx ending stops the stream through the shared context.
func (o *Orchestrator) acquire(ctx context.Context, sweep *SweepSession) (*interferogram.RawRun, error) {
	token := NewToken()
	timeout := o.Watchdog
	wctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrWatchdog)
	defer cancel()
	stop := context.AfterFunc(wctx, token.Cancel)
	defer stop()

	g, gctx := errgroup.WithContext(wctx)
	var run *interferogram.RawRun
	g.Go(func() error {
		r, err := o.stream.Start(gctx, token)
		run = r
		return err
	})
	g.Go(func() error {
		return sweep.PerformSweep(gctx, token.Cancel)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(context.Cause(wctx), ErrWatchdog) {
			err = fmt.Errorf("%w after %v: %w", ErrWatchdog, timeout, err)
		}
		if run != nil {
			logf("discarding partial run of %d samples", run.Len())
		}
		return nil, err
	}
	return run, nil
}
