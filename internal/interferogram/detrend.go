package interferogram

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultDegree is the order of the drift polynomial removed from a run.
const DefaultDegree = 8

// ErrDegenerateFit reports input that cannot support the polynomial fit.
// A run that fails with this error is unusable.
var ErrDegenerateFit = errors.New("degenerate polynomial fit input")

// Detrend removes the DefaultDegree polynomial trend of voltage as a
// function of position. See DetrendDegree.
func Detrend(voltage, position []float64) ([]float64, []float64, error) {
	return DetrendDegree(voltage, position, DefaultDegree)
}

// DetrendDegree fits a least-squares polynomial of the given degree to
// voltage(position), evaluates it at every position and subtracts it. The
// returned position slice is a copy of the input.
func DetrendDegree(voltage, position []float64, degree int) ([]float64, []float64, error) {
	if degree < 0 {
		return nil, nil, fmt.Errorf("%w: negative degree %d", ErrDegenerateFit, degree)
	}
	n := len(voltage)
	if n != len(position) {
		return nil, nil, fmt.Errorf("%w: %d voltage samples but %d positions", ErrDegenerateFit, n, len(position))
	}
	if n < degree+1 {
		return nil, nil, fmt.Errorf("%w: %d points cannot fit a degree %d polynomial", ErrDegenerateFit, n, degree)
	}
	for i := range voltage {
		if !finite(voltage[i]) || !finite(position[i]) {
			return nil, nil, fmt.Errorf("%w: non-finite sample at index %d", ErrDegenerateFit, i)
		}
	}

	lo, hi := floats.Min(position), floats.Max(position)
	if lo == hi && degree > 0 {
		return nil, nil, fmt.Errorf("%w: constant position %g", ErrDegenerateFit, lo)
	}
	if d := distinct(position); d < degree+1 {
		return nil, nil, fmt.Errorf("%w: %d distinct positions cannot fit a degree %d polynomial", ErrDegenerateFit, d, degree)
	}

	// Map positions onto [-1, 1] to keep the Vandermonde matrix well
	// conditioned for raw encoder counts.
	mid, half := (hi+lo)/2, (hi-lo)/2
	if half == 0 {
		half = 1
	}
	t := make([]float64, n)
	for i, p := range position {
		t[i] = (p - mid) / half
	}

	coeffs, err := fitPolynomial(t, voltage, degree)
	if err != nil {
		return nil, nil, err
	}

	detrended := make([]float64, n)
	for i := range voltage {
		detrended[i] = voltage[i] - horner(coeffs, t[i])
	}
	return detrended, append([]float64(nil), position...), nil
}

// fitPolynomial returns the least-squares coefficients in ascending order of
// power.
func fitPolynomial(x, y []float64, degree int) ([]float64, error) {
	cols := degree + 1
	a := mat.NewDense(len(x), cols, nil)
	for i, xi := range x {
		v := 1.0
		for j := 0; j < cols; j++ {
			a.Set(i, j, v)
			v *= xi
		}
	}
	b := mat.NewVecDense(len(y), append([]float64(nil), y...))

	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("%w: least squares: %v", ErrDegenerateFit, err)
	}
	coeffs := make([]float64, cols)
	for j := range coeffs {
		coeffs[j] = c.AtVec(j)
		if !finite(coeffs[j]) {
			return nil, fmt.Errorf("%w: non-finite coefficient", ErrDegenerateFit)
		}
	}
	return coeffs, nil
}

func horner(coeffs []float64, x float64) float64 {
	acc := 0.0
	for j := len(coeffs) - 1; j >= 0; j-- {
		acc = acc*x + coeffs[j]
	}
	return acc
}

func distinct(xs []float64) int {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	count := 0
	for i, x := range sorted {
		if i == 0 || x != sorted[i-1] {
			count++
		}
	}
	return count
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
