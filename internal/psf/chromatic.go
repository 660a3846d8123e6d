package psf

import (
	"fmt"

	"github.com/nightskyops/specex/internal/poly"
)

// Chromatic couples a Profile with shape parameters that vary smoothly
// along the dispersion axis. The trace center and each shape parameter are
// polynomials of the reduced coordinate r = 2x/(Nx-1) - 1, so coefficients
// stay well conditioned for any spectrogram width. Amplitudes stay free per
// column and are not part of the polynomial description.
type Chromatic struct {
	Profile *Profile
	Nx      int
	Order   int

	CenterCoeffs []float64   // trace center polynomial
	ShapeCoeffs  [][]float64 // one polynomial per shape parameter
}

// NewChromatic builds a flat chromatic model: constant center and the
// profile's default shape at every column.
func NewChromatic(profile *Profile, nx, order int, center float64) *Chromatic {
	c := &Chromatic{
		Profile:      profile,
		Nx:           nx,
		Order:        order,
		CenterCoeffs: make([]float64, order+1),
		ShapeCoeffs:  make([][]float64, profile.NShape()),
	}
	c.CenterCoeffs[0] = center
	for k, v := range profile.DefaultShape() {
		c.ShapeCoeffs[k] = make([]float64, order+1)
		c.ShapeCoeffs[k][0] = v
	}
	return c
}

// Reduced maps a column index to the conditioning coordinate in [-1, 1].
func (c *Chromatic) Reduced(x float64) float64 {
	if c.Nx <= 1 {
		return 0
	}
	return 2*x/float64(c.Nx-1) - 1
}

// ParamsAt evaluates the chromatic model at a (possibly fractional) column,
// with the given local amplitude. Shape values are clamped to their valid
// domain.
func (c *Chromatic) ParamsAt(x, amplitude float64) Params {
	r := c.Reduced(x)
	shape := make([]float64, len(c.ShapeCoeffs))
	for k, coeffs := range c.ShapeCoeffs {
		shape[k] = poly.Eval(coeffs, r)
	}
	return Params{
		Amplitude: amplitude,
		Center:    poly.Eval(c.CenterCoeffs, r),
		Shape:     c.Profile.ClampShape(shape),
	}
}

// FitAnchors replaces the polynomial coefficients with a least-squares fit
// through per-anchor parameters measured at the given columns.
func (c *Chromatic) FitAnchors(cols []float64, params []Params) error {
	if len(cols) != len(params) {
		return fmt.Errorf("psf: %d anchor columns but %d parameter sets", len(cols), len(params))
	}
	order := c.Order
	if len(cols) < order+1 {
		order = len(cols) - 1
	}
	if order < 0 {
		return fmt.Errorf("psf: no anchors to fit")
	}

	rs := make([]float64, len(cols))
	for i, x := range cols {
		rs[i] = c.Reduced(x)
	}

	series := make([]float64, len(cols))
	for i := range cols {
		series[i] = params[i].Center
	}
	coeffs, err := poly.Fit(rs, series, order)
	if err != nil {
		return fmt.Errorf("psf: fitting center polynomial: %w", err)
	}
	c.CenterCoeffs = padCoeffs(coeffs, c.Order)

	for k := range c.ShapeCoeffs {
		for i := range cols {
			series[i] = params[i].Shape[k]
		}
		coeffs, err := poly.Fit(rs, series, order)
		if err != nil {
			return fmt.Errorf("psf: fitting shape polynomial %d: %w", k, err)
		}
		c.ShapeCoeffs[k] = padCoeffs(coeffs, c.Order)
	}
	return nil
}

func padCoeffs(coeffs []float64, order int) []float64 {
	out := make([]float64, order+1)
	copy(out, coeffs)
	return out
}

// Pack flattens the polynomial coefficients into a single vector for the
// forward-model optimizer: center coefficients first, then each shape
// parameter's coefficients.
func (c *Chromatic) Pack() []float64 {
	out := make([]float64, 0, (1+len(c.ShapeCoeffs))*(c.Order+1))
	out = append(out, c.CenterCoeffs...)
	for _, s := range c.ShapeCoeffs {
		out = append(out, s...)
	}
	return out
}

// Unpack restores polynomial coefficients from a packed vector.
func (c *Chromatic) Unpack(v []float64) {
	n := c.Order + 1
	copy(c.CenterCoeffs, v[:n])
	for k := range c.ShapeCoeffs {
		copy(c.ShapeCoeffs[k], v[(k+1)*n:(k+2)*n])
	}
}

// Clone returns an independent copy sharing the Profile.
func (c *Chromatic) Clone() *Chromatic {
	out := &Chromatic{
		Profile:      c.Profile,
		Nx:           c.Nx,
		Order:        c.Order,
		CenterCoeffs: append([]float64(nil), c.CenterCoeffs...),
		ShapeCoeffs:  make([][]float64, len(c.ShapeCoeffs)),
	}
	for k, s := range c.ShapeCoeffs {
		out.ShapeCoeffs[k] = append([]float64(nil), s...)
	}
	return out
}
