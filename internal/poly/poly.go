// Package poly implements polynomial least-squares fitting and evaluation.
// Fits solve the (optionally weighted) Vandermonde system by QR
// decomposition; coefficients are stored lowest order first.
package poly

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errUnderdetermined = errors.New("poly: fewer points than coefficients")

// Fit returns the least-squares polynomial coefficients of the given degree
// through the points (xs[i], ys[i]).
func Fit(xs, ys []float64, degree int) ([]float64, error) {
	return FitWeighted(xs, ys, nil, degree)
}

// FitWeighted is Fit with per-point weights (typically 1/sigma^2). A nil
// weight slice means uniform weighting.
func FitWeighted(xs, ys, ws []float64, degree int) ([]float64, error) {
	n := len(xs)
	if n < degree+1 {
		return nil, errUnderdetermined
	}

	// Build Vandermonde matrix, scaling rows by sqrt(weight)
	X := mat.NewDense(n, degree+1, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		s := 1.0
		if ws != nil {
			s = math.Sqrt(ws[i])
		}
		p := 1.0
		for j := 0; j <= degree; j++ {
			X.Set(i, j, s*p)
			p *= xs[i]
		}
		y.SetVec(i, s*ys[i])
	}

	// Solve using QR decomposition
	var qr mat.QR
	qr.Factorize(X)

	coeffs := mat.NewVecDense(degree+1, nil)
	if err := qr.SolveVecTo(coeffs, false, y); err != nil {
		return nil, err
	}

	out := make([]float64, degree+1)
	for i := 0; i <= degree; i++ {
		out[i] = coeffs.AtVec(i)
	}
	return out, nil
}

// Eval evaluates the polynomial at x by Horner's scheme.
func Eval(coeffs []float64, x float64) float64 {
	v := 0.0
	for i := len(coeffs) - 1; i >= 0; i-- {
		v = v*x + coeffs[i]
	}
	return v
}

// Deriv returns the coefficients of the derivative polynomial.
func Deriv(coeffs []float64) []float64 {
	if len(coeffs) <= 1 {
		return []float64{0}
	}
	d := make([]float64, len(coeffs)-1)
	for i := 1; i < len(coeffs); i++ {
		d[i-1] = float64(i) * coeffs[i]
	}
	return d
}
