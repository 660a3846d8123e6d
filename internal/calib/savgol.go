package calib

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// savgolWeights computes the Savitzky-Golay smoothing weights for a
// centered window: the first row of (A'A)^-1 A' where A is the Vandermonde
// matrix of offsets -half..half.
func savgolWeights(window, order int) ([]float64, error) {
	if window < 3 || window%2 == 0 {
		return nil, fmt.Errorf("calib: savgol window must be odd and >= 3, got %d", window)
	}
	if order >= window {
		return nil, fmt.Errorf("calib: savgol order %d too high for window %d", order, window)
	}
	half := window / 2

	a := mat.NewDense(window, order+1, nil)
	for i := 0; i < window; i++ {
		p := 1.0
		for j := 0; j <= order; j++ {
			a.Set(i, j, p)
			p *= float64(i - half)
		}
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var lu mat.LU
	lu.Factorize(&ata)

	z := mat.NewDense(order+1, window, nil)
	if err := lu.SolveTo(z, false, a.T()); err != nil {
		return nil, fmt.Errorf("calib: savgol normal equations: %w", err)
	}

	w := make([]float64, window)
	for i := 0; i < window; i++ {
		w[i] = z.At(0, i)
	}
	return w, nil
}

// SavGol smooths a series with a Savitzky-Golay filter of the given window
// and polynomial order. Edges use mirrored samples.
func SavGol(data []float64, window, order int) ([]float64, error) {
	w, err := savgolWeights(window, order)
	if err != nil {
		return nil, err
	}
	half := window / 2
	n := len(data)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var s float64
		for k := -half; k <= half; k++ {
			j := i + k
			if j < 0 {
				j = -j
			}
			if j >= n {
				j = 2*(n-1) - j
			}
			if j < 0 {
				j = 0
			}
			s += w[k+half] * data[j]
		}
		out[i] = s
	}
	return out, nil
}
