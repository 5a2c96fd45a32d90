package interferogram

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrNoRuns is returned when there is nothing to aggregate.
var ErrNoRuns = errors.New("no runs to aggregate")

// Aggregate pools every (position, voltage) pair across runs and averages
// the voltages that share an exactly equal position. Positions are returned
// in ascending order. Samples with a NaN position cannot be grouped and are
// skipped.
//
// The result does not depend on the order of runs: each group is summed in
// sorted order.
func Aggregate(runs []*RawRun) (*AggregateDataset, error) {
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}

	groups := make(map[float64][]float64)
	used := 0
	for i, r := range runs {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if r.Len() > 0 {
			used++
		}
		for j, p := range r.Position {
			if math.IsNaN(p) {
				continue
			}
			groups[p] = append(groups[p], r.Voltage[j])
		}
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: %d runs hold no samples", ErrNoRuns, len(runs))
	}

	positions := make([]float64, 0, len(groups))
	for p := range groups {
		positions = append(positions, p)
	}
	sort.Float64s(positions)

	ds := &AggregateDataset{
		Positions:   positions,
		MeanVoltage: make([]float64, len(positions)),
		Counts:      make([]int, len(positions)),
		RunCount:    used,
	}
	for i, p := range positions {
		vs := groups[p]
		sort.Float64s(vs)
		ds.MeanVoltage[i] = floats.Sum(vs) / float64(len(vs))
		ds.Counts[i] = len(vs)
	}
	return ds, nil
}
