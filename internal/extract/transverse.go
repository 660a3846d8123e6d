// Package extract converts a background-subtracted spectrogram into a 1D
// flux spectrum. Two strategies are implemented: a per-column transverse
// PSF fit (fast, local) and a full forward-model inversion (global,
// regularized). When both are enabled the transverse result seeds the
// forward model, whose output supersedes it.
package extract

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/optimize"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/psf"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/pkg/config"
)

// FitConvergenceError reports that an extraction fit produced no usable
// solution at all. Per-column or per-run non-convergence with a retained
// best solution is reported through flags, not through this error.
type FitConvergenceError struct {
	Mode   string
	Detail string
}

func (e *FitConvergenceError) Error() string {
	return fmt.Sprintf("extract: %s fit failed to converge: %s", e.Mode, e.Detail)
}

// ColumnFit is the fitted transverse profile at one anchor column.
type ColumnFit struct {
	Col       int
	Params    psf.Params
	Flux      float64
	FluxErr   float64
	Chi2      float64
	Converged bool
}

// TransverseResult is the PSF2D-mode output.
type TransverseResult struct {
	Spectrum  *spectrum.Spectrum
	Anchors   []ColumnFit
	Chromatic *psf.Chromatic
	NFailed   int
	Converged bool // true when every anchor fit converged
}

// Transverse fits the local PSF parameters column by column. Anchor columns
// are spaced cfg.Extraction.PixelStep apart and fit independently by
// weighted least squares; columns in between take interpolated parameters.
// data must already be background subtracted; centerRow is the trace
// position in spectrogram rows.
func Transverse(data *image.Frame, errMap []float64, centerRow float64,
	cfg *config.Config, profile *psf.Profile) (*TransverseResult, error) {

	nx := data.Width
	step := cfg.Extraction.PixelStep
	radius := cfg.Spectrogram.BackgroundOffset

	var anchors []ColumnFit
	for x := 0; x < nx; x += step {
		anchors = append(anchors, fitColumn(data, errMap, x, centerRow, radius, cfg.Extraction.SigmaClip, profile))
	}
	if last := nx - 1; len(anchors) == 0 || anchors[len(anchors)-1].Col != last {
		anchors = append(anchors, fitColumn(data, errMap, last, centerRow, radius, cfg.Extraction.SigmaClip, profile))
	}

	var good []ColumnFit
	nFailed := 0
	for _, a := range anchors {
		if a.Converged {
			good = append(good, a)
		} else {
			nFailed++
		}
	}
	if len(good) < 2 {
		return nil, &FitConvergenceError{Mode: "transverse", Detail: fmt.Sprintf("%d of %d anchor fits converged", len(good), len(anchors))}
	}

	// Interpolate each parameter series over the converged anchors
	cols := make([]float64, len(good))
	params := make([]psf.Params, len(good))
	series := make([][]float64, 2+profile.NShape()) // flux, center, shape...
	for i := range series {
		series[i] = make([]float64, len(good))
	}
	fluxErrs := make([]float64, len(good))
	for i, a := range good {
		cols[i] = float64(a.Col)
		params[i] = a.Params
		series[0][i] = a.Flux
		series[1][i] = a.Params.Center
		for k, v := range a.Params.Shape {
			series[2+k][i] = v
		}
		fluxErrs[i] = a.FluxErr
	}

	interps := make([]interp.PiecewiseLinear, len(series))
	for i := range series {
		if err := interps[i].Fit(cols, series[i]); err != nil {
			return nil, fmt.Errorf("extract: interpolating anchor series: %w", err)
		}
	}
	var errInterp interp.PiecewiseLinear
	if err := errInterp.Fit(cols, fluxErrs); err != nil {
		return nil, fmt.Errorf("extract: interpolating anchor errors: %w", err)
	}

	// Failed anchors taint the columns they would have anchored
	badNear := func(x int) bool {
		for _, a := range anchors {
			if !a.Converged && abs(x-a.Col) <= step {
				return true
			}
		}
		return false
	}

	spec := spectrum.New(nx)
	for x := 0; x < nx; x++ {
		fx := float64(x)
		spec.Pixels[x] = fx
		spec.Flux[x] = interps[0].Predict(fx)
		spec.FluxErr[x] = errInterp.Predict(fx)
		if badNear(x) {
			spec.Flags[x] |= spectrum.FlagNoConverge
		}
	}

	chrom := psf.NewChromatic(profile, nx, cfg.PSF.PolyOrder, centerRow)
	if err := chrom.FitAnchors(cols, params); err != nil {
		return nil, err
	}

	return &TransverseResult{
		Spectrum:  spec,
		Anchors:   anchors,
		Chromatic: chrom,
		NFailed:   nFailed,
		Converged: nFailed == 0,
	}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// fitColumn fits the transverse profile of a single column. The amplitude
// is linear in the model and solved in closed form at every step; the
// nonlinear center and shape parameters go through Nelder-Mead. One
// sigma-clip pass rejects cosmic hits.
func fitColumn(data *image.Frame, errMap []float64, x int, centerRow float64,
	radius int, sigmaClip float64, profile *psf.Profile) ColumnFit {

	y0 := int(math.Round(centerRow)) - radius
	y1 := int(math.Round(centerRow)) + radius
	if y0 < 0 {
		y0 = 0
	}
	if y1 >= data.Height {
		y1 = data.Height - 1
	}

	n := y1 - y0 + 1
	ys := make([]float64, 0, n)
	ds := make([]float64, 0, n)
	ws := make([]float64, 0, n)
	peak := 0.0
	for y := y0; y <= y1; y++ {
		if data.Saturated(x, y) {
			continue
		}
		v := data.At(x, y)
		e := errMap[y*data.Width+x]
		ys = append(ys, float64(y))
		ds = append(ds, v)
		ws = append(ws, 1/(e*e))
		if v > peak {
			peak = v
		}
	}
	nShape := profile.NShape()
	if len(ys) < nShape+2 || peak <= 0 {
		return ColumnFit{Col: x, Params: psf.Params{Center: centerRow, Shape: profile.DefaultShape()}}
	}

	// The fit is seeded on the known trace row, never on the window argmax:
	// a bright cosmic off the trace must not become the starting center.
	// Pixels far above a crude trace-centered model are masked up front.
	mask := make([]bool, len(ys))
	amp0 := 0.0
	for i, y := range ys {
		if math.Abs(y-centerRow) <= 2 && ds[i] > amp0 {
			amp0 = ds[i]
		}
	}
	if sigmaClip > 0 {
		for i, y := range ys {
			u := (y - centerRow) / 2
			if ds[i]-amp0*math.Exp(-0.5*u*u) > sigmaClip/math.Sqrt(ws[i])+0.2*amp0 {
				mask[i] = true
			}
		}
	}

	// Moment-based width seed about the trace row
	var sw, swd float64
	for i, y := range ys {
		if mask[i] {
			continue
		}
		if d := ds[i]; d > 0 {
			sw += d
			swd += d * (y - centerRow) * (y - centerRow)
		}
	}
	widthSeed := 2.0
	if sw > 0 {
		if m2 := swd / sw; m2 > 0.25 {
			widthSeed = math.Sqrt(m2)
		}
	}

	shape0 := profile.DefaultShape()
	shape0[0] = widthSeed
	if profile.Kind == config.PSFMoffatGauss {
		shape0[3] = widthSeed
	}

	// The center may drift from the trace row only within half the window
	maxShift := float64(radius) / 2
	clampCenter := func(c float64) float64 {
		if c < centerRow-maxShift {
			return centerRow - maxShift
		}
		if c > centerRow+maxShift {
			return centerRow + maxShift
		}
		return c
	}

	solve := func(p []float64) (amp, chi2 float64) {
		pr := psf.Params{Amplitude: 1, Center: clampCenter(p[0]), Shape: profile.ClampShape(append([]float64(nil), p[1:]...))}
		var num, den float64
		for i, y := range ys {
			if mask[i] {
				continue
			}
			phi := profile.Density(y, pr)
			num += ws[i] * ds[i] * phi
			den += ws[i] * phi * phi
		}
		if den <= 0 {
			return 0, math.Inf(1)
		}
		amp = num / den
		if amp < 0 {
			amp = 0
		}
		for i, y := range ys {
			if mask[i] {
				continue
			}
			phi := profile.Density(y, pr)
			r := ds[i] - amp*phi
			chi2 += ws[i] * r * r
		}
		return amp, chi2
	}

	p0 := append([]float64{centerRow}, shape0...)
	run := func(start []float64) (*optimize.Result, error) {
		problem := optimize.Problem{Func: func(p []float64) float64 {
			_, chi2 := solve(p)
			return chi2
		}}
		return optimize.Minimize(problem, start, &optimize.Settings{
			MajorIterations: 300,
		}, &optimize.NelderMead{})
	}

	result, err := run(p0)
	if err != nil || result == nil {
		return ColumnFit{Col: x, Params: psf.Params{Center: centerRow, Shape: shape0}}
	}

	// Single sigma-clip pass against the fitted model
	if sigmaClip > 0 {
		amp, _ := solve(result.X)
		pr := psf.Params{Amplitude: amp, Center: clampCenter(result.X[0]), Shape: profile.ClampShape(append([]float64(nil), result.X[1:]...))}
		clipped := false
		for i, y := range ys {
			if mask[i] {
				continue
			}
			e := 1 / math.Sqrt(ws[i])
			if math.Abs(ds[i]-profile.Density(y, pr)) > sigmaClip*e {
				mask[i] = true
				clipped = true
			}
		}
		if clipped {
			if r2, err2 := run(result.X); err2 == nil && r2 != nil {
				result = r2
			}
		}
	}

	amp, chi2 := solve(result.X)
	pr := psf.Params{
		Amplitude: amp,
		Center:    clampCenter(result.X[0]),
		Shape:     profile.ClampShape(append([]float64(nil), result.X[1:]...)),
	}

	// Flux and its error from the analytic profile integral
	unit := pr
	unit.Amplitude = 1
	var den float64
	for i, y := range ys {
		if mask[i] {
			continue
		}
		phi := profile.Density(y, unit)
		den += ws[i] * phi * phi
	}
	flux := profile.Integral(pr)
	fluxErr := math.Inf(1)
	if den > 0 {
		fluxErr = profile.Integral(unit) / math.Sqrt(den)
	}

	converged := result.Status == optimize.FunctionConvergence ||
		result.Status == optimize.Success ||
		result.Status == optimize.FunctionThreshold
	if amp <= 0 {
		converged = false
	}

	return ColumnFit{
		Col:       x,
		Params:    pr,
		Flux:      flux,
		FluxErr:   fluxErr,
		Chi2:      chi2,
		Converged: converged,
	}
}
