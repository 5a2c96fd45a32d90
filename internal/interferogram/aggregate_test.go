package interferogram

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAggregate_TwoRunScenario(t *testing.T) {
	runs := []*RawRun{
		{Position: []float64{1, 2, 3}, Voltage: []float64{10, 20, 30}},
		{Position: []float64{2, 3, 4}, Voltage: []float64{22, 28, 42}},
	}

	got, err := Aggregate(runs)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	want := &AggregateDataset{
		Positions:   []float64{1, 2, 3, 4},
		MeanVoltage: []float64{10, 21, 29, 42},
		Counts:      []int{1, 2, 2, 1},
		RunCount:    2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_Empty(t *testing.T) {
	if _, err := Aggregate(nil); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}
	if _, err := Aggregate([]*RawRun{{}, nil}); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns for sample-less runs, got %v", err)
	}
}

func TestAggregate_RejectsMisalignedRun(t *testing.T) {
	_, err := Aggregate([]*RawRun{{Position: []float64{1, 2}, Voltage: []float64{1}}})
	if err == nil {
		t.Fatal("expected error for misaligned run")
	}
}

func TestAggregate_SkipsNaNPositions(t *testing.T) {
	got, err := Aggregate([]*RawRun{{Position: []float64{math.NaN(), 5}, Voltage: []float64{1, 2}}})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if diff := cmp.Diff([]float64{5}, got.Positions); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	runs := make([]*RawRun, 6)
	for i := range runs {
		r := &RawRun{StartTime: time.Unix(int64(i), 0)}
		for j := 0; j < 200; j++ {
			r.Append(float64(rng.Intn(40)), rng.NormFloat64()*0.1+1.0/3.0)
		}
		runs[i] = r
	}

	first, err := Aggregate(runs)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]*RawRun(nil), runs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := Aggregate(shuffled)
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		if diff := cmp.Diff(first, got); diff != "" {
			t.Fatalf("trial %d: order changed the result (-first +got):\n%s", trial, diff)
		}
	}
}

func TestAggregateDataset_Detrend(t *testing.T) {
	ds := &AggregateDataset{RunCount: 3}
	for i := 0; i < 30; i++ {
		ds.Positions = append(ds.Positions, float64(i*10))
		ds.MeanVoltage = append(ds.MeanVoltage, 4+0.01*float64(i))
		ds.Counts = append(ds.Counts, 3)
	}

	out, err := ds.Detrend(DefaultDegree)
	if err != nil {
		t.Fatalf("Detrend failed: %v", err)
	}
	if out.RunCount != 3 || out.Len() != ds.Len() {
		t.Fatalf("unexpected shape: runs=%d len=%d", out.RunCount, out.Len())
	}
	for i, v := range out.MeanVoltage {
		if math.Abs(v) > 1e-9 {
			t.Errorf("position %v: residual %g", out.Positions[i], v)
		}
	}
	if ds.MeanVoltage[0] != 4 {
		t.Error("Detrend mutated the source dataset")
	}
}

func TestIntervals(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Second)

	got := Intervals(start, end, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 intervals, got %d", len(got))
	}
	if !got[0].Start.Equal(start) || !got[3].End.Equal(end) {
		t.Errorf("intervals do not span the run: %v .. %v", got[0].Start, got[3].End)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Start.Equal(got[i-1].End) {
			t.Errorf("gap between interval %d and %d", i-1, i)
		}
	}
	if d := got[1].End.Sub(got[1].Start); d != 2500*time.Millisecond {
		t.Errorf("expected 2.5s slots, got %v", d)
	}
	if Intervals(start, end, 0) != nil {
		t.Error("expected nil for zero intervals")
	}
}

func TestClampPositions(t *testing.T) {
	run := &RawRun{Position: []float64{0, 17000, 17000.5, 65535, 12}, Voltage: make([]float64, 5)}
	if n := run.ClampPositions(DefaultPositionBound); n != 2 {
		t.Errorf("expected 2 replacements, got %d", n)
	}
	if diff := cmp.Diff([]float64{0, 17000, 0, 0, 12}, run.Position); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
}
