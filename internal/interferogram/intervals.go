package interferogram

import "time"

// Interval is the time slot attributed to one sample.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Intervals evenly subdivides [start, end] into n slots. The end of slot i
// is the start of slot i+1 and the last slot ends exactly at end.
func Intervals(start, end time.Time, n int) []Interval {
	if n <= 0 {
		return nil
	}
	total := float64(end.Sub(start))
	at := func(i int) time.Time {
		if i == n {
			return end
		}
		return start.Add(time.Duration(total * float64(i) / float64(n)))
	}
	out := make([]Interval, n)
	for i := range out {
		out[i] = Interval{Start: at(i), End: at(i + 1)}
	}
	return out
}
