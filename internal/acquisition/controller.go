package acquisition

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/monitoring"
)

var controlLogf = monitoring.Component("Controller")

// Controller is the control surface over an Orchestrator: it starts and
// stops the collection loop and serves processed and aggregate data.
type Controller struct {
	orch   *Orchestrator
	store  RunStore
	degree int

	mu       sync.Mutex
	cancel   context.CancelFunc
	stop     chan struct{}
	stopping bool
	done     chan struct{}
}

// NewController returns a stopped controller.
func NewController(orch *Orchestrator, store RunStore) *Controller {
	return &Controller{orch: orch, store: store, degree: orch.cfg.GetPolyDegree()}
}

// StartCollection starts the cycle loop in the background. The loop runs
// until StopCollection or until parent ends; parent ending aborts the cycle
// in flight.
func (c *Controller) StartCollection(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return ErrCollectionRunning
	}
	ctx, cancel := context.WithCancel(parent)
	stop, done := make(chan struct{}), make(chan struct{})
	c.cancel, c.stop, c.stopping, c.done = cancel, stop, false, done
	go func() {
		defer close(done)
		c.orch.RunUntil(ctx, stop)
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.stop, c.done = nil, nil, nil
		}
		c.mu.Unlock()
		cancel()
	}()
	controlLogf("collection started")
	return nil
}

// StopCollection clears the keep-running flag and waits for the loop to
// end at the next cycle boundary, so the cycle in flight is still stored.
// If ctx ends first the cycle in flight is aborted, StopCollection waits
// for it to release its devices and reports ctx's error. Stopping an idle
// controller is a no-op.
func (c *Controller) StopCollection(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	if done != nil && !c.stopping {
		close(c.stop)
		c.stopping = true
	}
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		controlLogf("collection stopped")
		return nil
	case <-ctx.Done():
	}
	controlLogf("stop wait expired, aborting the cycle in flight")
	cancel()
	<-done
	return fmt.Errorf("waiting for collection to stop: %w", ctx.Err())
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// Status returns the orchestrator status.
func (c *Controller) Status() Status {
	return c.orch.Status()
}

// LatestProcessedRun returns the newest processed run, preferring the one
// produced in this process and falling back to the store.
func (c *Controller) LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, error) {
	if run := c.orch.LatestProcessedRun(); run != nil {
		return run, nil
	}
	return c.store.LatestProcessedRun(ctx)
}

// AggregateDataset averages every stored raw run, detrends the average and
// stores the result.
func (c *Controller) AggregateDataset(ctx context.Context) (*interferogram.AggregateDataset, string, error) {
	return AggregateRuns(ctx, c.store, c.degree)
}

// AggregateRuns averages every raw run in store at exact mirror positions,
// removes the polynomial trend of the given degree from the average and
// saves the result. Nothing is saved when the runs cannot be aggregated or
// the fit is degenerate.
func AggregateRuns(ctx context.Context, store RunStore, degree int) (*interferogram.AggregateDataset, string, error) {
	runs, err := store.RawRuns(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load raw runs: %w", err)
	}
	avg, err := interferogram.Aggregate(runs)
	if err != nil {
		return nil, "", err
	}
	detrended, err := avg.Detrend(degree)
	if err != nil {
		return nil, "", err
	}
	id, err := store.SaveAggregate(ctx, detrended)
	if err != nil {
		return nil, "", fmt.Errorf("save aggregate: %w", err)
	}
	controlLogf("aggregate %s: %d positions from %d runs", id, detrended.Len(), detrended.RunCount)
	return detrended, id, nil
}
