// Package interferogram holds the run data model and the numerical
// reduction steps: polynomial detrending of a single run and exact-position
// averaging across many runs.
package interferogram

import (
	"fmt"
	"time"
)

// DefaultPositionBound is the largest physically meaningful encoder value.
// Larger readings are counter underflow on the return stroke.
const DefaultPositionBound = 17000

// RawRun is the accumulated result of one acquisition cycle. Voltage and
// Position are index aligned.
type RawRun struct {
	Voltage   []float64
	Position  []float64
	StartTime time.Time
	EndTime   time.Time

	// AcceptedBatches and DroppedBatches record the quality gate outcome.
	AcceptedBatches int
	DroppedBatches  int
}

// Len returns the number of samples in the run.
func (r *RawRun) Len() int {
	return len(r.Voltage)
}

// Append adds one reading to the end of the run.
func (r *RawRun) Append(position, voltage float64) {
	r.Position = append(r.Position, position)
	r.Voltage = append(r.Voltage, voltage)
}

// ClampPositions replaces every position above bound with 0 and returns the
// number of samples replaced.
func (r *RawRun) ClampPositions(bound float64) int {
	replaced := 0
	for i, p := range r.Position {
		if p > bound {
			r.Position[i] = 0
			replaced++
		}
	}
	return replaced
}

// Validate checks the structural invariants of the run.
func (r *RawRun) Validate() error {
	if len(r.Voltage) != len(r.Position) {
		return fmt.Errorf("run has %d voltage samples but %d positions", len(r.Voltage), len(r.Position))
	}
	if !r.StartTime.IsZero() && !r.EndTime.IsZero() && r.EndTime.Before(r.StartTime) {
		return fmt.Errorf("run ends (%s) before it starts (%s)", r.EndTime, r.StartTime)
	}
	return nil
}

// Process detrends the run with a polynomial of the given degree.
func (r *RawRun) Process(degree int) (*ProcessedRun, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateFit, err)
	}
	detrended, positions, err := DetrendDegree(r.Voltage, r.Position, degree)
	if err != nil {
		return nil, err
	}
	return &ProcessedRun{
		Positions:        positions,
		DetrendedVoltage: detrended,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
	}, nil
}

// ProcessedRun is the detrended interferogram derived from one RawRun.
type ProcessedRun struct {
	Positions        []float64
	DetrendedVoltage []float64
	StartTime        time.Time
	EndTime          time.Time
}

// Len returns the number of samples in the run.
func (p *ProcessedRun) Len() int {
	return len(p.Positions)
}

// Clone returns a deep copy so callers never share backing arrays.
func (p *ProcessedRun) Clone() *ProcessedRun {
	if p == nil {
		return nil
	}
	return &ProcessedRun{
		Positions:        append([]float64(nil), p.Positions...),
		DetrendedVoltage: append([]float64(nil), p.DetrendedVoltage...),
		StartTime:        p.StartTime,
		EndTime:          p.EndTime,
	}
}

// AggregateDataset is the mean voltage at every distinct mirror position
// observed across a set of runs, ordered by ascending position.
type AggregateDataset struct {
	Positions   []float64
	MeanVoltage []float64
	// Counts is the number of samples averaged into each position.
	Counts   []int
	RunCount int
}

// Len returns the number of distinct positions.
func (a *AggregateDataset) Len() int {
	return len(a.Positions)
}

// Detrend returns a copy of the dataset with the polynomial trend removed
// from MeanVoltage.
func (a *AggregateDataset) Detrend(degree int) (*AggregateDataset, error) {
	detrended, positions, err := DetrendDegree(a.MeanVoltage, a.Positions, degree)
	if err != nil {
		return nil, err
	}
	return &AggregateDataset{
		Positions:   positions,
		MeanVoltage: detrended,
		Counts:      append([]int(nil), a.Counts...),
		RunCount:    a.RunCount,
	}, nil
}
