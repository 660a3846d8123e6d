package extract

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/psf"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/pkg/config"
)

// ForwardResult is the FFM-mode output.
type ForwardResult struct {
	Spectrum  *spectrum.Spectrum
	Chromatic *psf.Chromatic
	Chi2      float64
	RegParam  float64
	Converged bool
}

// forwardOp evaluates the forward model for a fixed spectrogram geometry.
// Each unknown column amplitude spreads over a small 2D kernel, separable
// in the dispersion and transverse directions and normalized to unit sum,
// so the amplitudes are total column fluxes in ADU.
type forwardOp struct {
	data    *image.Frame
	weights []float64 // 1/sigma^2 per pixel, 0 for masked
	cfg     *config.Config
}

type kernel struct {
	x0, y0 int       // top-left corner of the stencil
	w, h   int       // stencil size
	vals   []float64 // row-major, unit sum
}

// buildKernels evaluates one truncated, normalized kernel per column for
// the current chromatic parameters.
func (op *forwardOp) buildKernels(chrom *psf.Chromatic) []kernel {
	nx := op.data.Width
	ny := op.data.Height
	kernels := make([]kernel, nx)
	for j := 0; j < nx; j++ {
		p := chrom.ParamsAt(float64(j), 1)
		r := chrom.Profile.TruncationRadius(p, op.cfg.Spectrogram.SignalHalfWidth, op.cfg.PSF.FWHMClip)
		// Dispersion-direction spread tracks the profile width, capped so
		// the normal matrix stays narrow-banded
		rx := math.Ceil(chrom.Profile.FWHM(p))
		if rx > 8 {
			rx = 8
		}
		if rx < 1 {
			rx = 1
		}
		x0 := j - int(rx)
		x1 := j + int(rx)
		y0 := int(math.Floor(p.Center - r))
		y1 := int(math.Ceil(p.Center + r))
		if x0 < 0 {
			x0 = 0
		}
		if y0 < 0 {
			y0 = 0
		}
		if x1 >= nx {
			x1 = nx - 1
		}
		if y1 >= ny {
			y1 = ny - 1
		}
		k := kernel{x0: x0, y0: y0, w: x1 - x0 + 1, h: y1 - y0 + 1}
		k.vals = make([]float64, k.w*k.h)
		sum := 0.0
		px := p
		px.Center = 0
		for yy := 0; yy < k.h; yy++ {
			phiY := chrom.Profile.Density(float64(y0+yy), p)
			for xx := 0; xx < k.w; xx++ {
				phiX := chrom.Profile.Density(float64(x0+xx-j), px)
				v := phiY * phiX
				k.vals[yy*k.w+xx] = v
				sum += v
			}
		}
		if sum > 0 {
			for i := range k.vals {
				k.vals[i] /= sum
			}
		}
		kernels[j] = k
	}
	return kernels
}

// solveAmplitudes solves the regularized normal equations
// (M'WM + r I) a = M'Wd + r a_ref for all column amplitudes at once.
func (op *forwardOp) solveAmplitudes(kernels []kernel, reg float64, ref []float64) ([]float64, *mat.Cholesky, bool) {
	nx := op.data.Width
	w := op.data.Width

	g := mat.NewSymDense(nx, nil)
	b := mat.NewVecDense(nx, nil)

	for j := 0; j < nx; j++ {
		kj := kernels[j]
		// b_j = sum over stencil of K_j * weight * data
		var bj float64
		for yy := 0; yy < kj.h; yy++ {
			for xx := 0; xx < kj.w; xx++ {
				i := (kj.y0+yy)*w + kj.x0 + xx
				bj += kj.vals[yy*kj.w+xx] * op.weights[i] * op.data.Data[i]
			}
		}
		b.SetVec(j, bj+reg*ref[j])

		// G_{j,l} over overlapping stencils
		for l := j; l < nx; l++ {
			kl := kernels[l]
			ox0 := max(kj.x0, kl.x0)
			ox1 := min(kj.x0+kj.w, kl.x0+kl.w)
			oy0 := max(kj.y0, kl.y0)
			oy1 := min(kj.y0+kj.h, kl.y0+kl.h)
			if ox0 >= ox1 || oy0 >= oy1 {
				if l > j+16 {
					break
				}
				continue
			}
			var gjl float64
			for yy := oy0; yy < oy1; yy++ {
				for xx := ox0; xx < ox1; xx++ {
					i := yy*w + xx
					gjl += kj.vals[(yy-kj.y0)*kj.w+xx-kj.x0] *
						kl.vals[(yy-kl.y0)*kl.w+xx-kl.x0] * op.weights[i]
				}
			}
			if j == l {
				gjl += reg
			}
			g.SetSym(j, l, gjl)
		}
	}

	var ch mat.Cholesky
	if ok := ch.Factorize(g); !ok {
		// Jitter the diagonal once before giving up
		for j := 0; j < nx; j++ {
			g.SetSym(j, j, g.At(j, j)+1e-9)
		}
		if ok := ch.Factorize(g); !ok {
			return nil, nil, false
		}
	}
	a := mat.NewVecDense(nx, nil)
	if err := ch.SolveVecTo(a, b); err != nil {
		return nil, nil, false
	}
	amps := make([]float64, nx)
	for j := 0; j < nx; j++ {
		if v := a.AtVec(j); v > 0 {
			amps[j] = v
		}
	}
	return amps, &ch, true
}

// chi2 evaluates the regularized objective for given kernels and amplitudes.
func (op *forwardOp) chi2(kernels []kernel, amps, ref []float64, reg float64) float64 {
	model := make([]float64, len(op.data.Data))
	for j, k := range kernels {
		a := amps[j]
		if a == 0 {
			continue
		}
		for yy := 0; yy < k.h; yy++ {
			for xx := 0; xx < k.w; xx++ {
				model[(k.y0+yy)*op.data.Width+k.x0+xx] += a * k.vals[yy*k.w+xx]
			}
		}
	}
	var sum float64
	for i, d := range op.data.Data {
		r := d - model[i]
		sum += op.weights[i] * r * r
	}
	for j := range amps {
		d := amps[j] - ref[j]
		sum += reg * d * d
	}
	return sum
}

// Forward runs the full forward-model deconvolution. seed provides the
// starting chromatic PSF and ref the reference amplitude profile (the
// transverse-fit spectrum) that the L2 term pulls toward. data must be
// background subtracted.
func Forward(data *image.Frame, errMap []float64, cfg *config.Config,
	seed *psf.Chromatic, ref *spectrum.Spectrum) (*ForwardResult, error) {

	nx := data.Width
	reg := cfg.Extraction.RegParam

	weights := make([]float64, len(data.Data))
	for i, e := range errMap {
		if data.Data[i] >= data.MaxADU {
			continue // masked
		}
		weights[i] = 1 / (e * e)
	}

	op := &forwardOp{data: data, weights: weights, cfg: cfg}

	refAmps := make([]float64, nx)
	copy(refAmps, ref.Flux)

	chrom := seed.Clone()
	theta0 := chrom.Pack()

	objective := func(theta []float64) float64 {
		trial := chrom.Clone()
		trial.Unpack(theta)
		kernels := op.buildKernels(trial)
		amps, _, ok := op.solveAmplitudes(kernels, reg, refAmps)
		if !ok {
			return math.Inf(1)
		}
		return op.chi2(kernels, amps, refAmps, reg)
	}

	settings := &optimize.Settings{
		MajorIterations: cfg.Extraction.MaxIterations,
		FuncEvaluations: cfg.Extraction.MaxEvaluations,
	}
	if cfg.Extraction.FitTimeoutSeconds > 0 {
		settings.Runtime = time.Duration(cfg.Extraction.FitTimeoutSeconds) * time.Second
	}

	problem := optimize.Problem{Func: objective}
	result, err := optimize.Minimize(problem, theta0, settings, &optimize.NelderMead{})

	converged := false
	best := theta0
	if result != nil {
		best = result.X
		converged = err == nil &&
			(result.Status == optimize.FunctionConvergence ||
				result.Status == optimize.Success ||
				result.Status == optimize.FunctionThreshold)
	}

	chrom.Unpack(best)
	kernels := op.buildKernels(chrom)
	amps, ch, ok := op.solveAmplitudes(kernels, reg, refAmps)
	if !ok {
		return nil, &FitConvergenceError{Mode: "forward-model", Detail: "normal matrix is not positive definite"}
	}
	chi2 := op.chi2(kernels, amps, refAmps, reg)

	// Amplitude covariance from the regularized normal matrix
	var inv mat.SymDense
	ampErrs := make([]float64, nx)
	if err := ch.InverseTo(&inv); err == nil {
		for j := 0; j < nx; j++ {
			if v := inv.At(j, j); v > 0 {
				ampErrs[j] = math.Sqrt(v)
			}
		}
	}

	spec := spectrum.New(nx)
	for j := 0; j < nx; j++ {
		spec.Pixels[j] = float64(j)
		spec.Flux[j] = amps[j]
		spec.FluxErr[j] = ampErrs[j]
		if !converged {
			spec.Flags[j] |= spectrum.FlagNoConverge
		}
	}

	return &ForwardResult{
		Spectrum:  spec,
		Chromatic: chrom,
		Chi2:      chi2,
		RegParam:  reg,
		Converged: converged,
	}, nil
}

// Render projects a chromatic PSF and per-column amplitudes into a model
// spectrogram, for synthetic data and residual inspection.
func Render(width, height int, cfg *config.Config, chrom *psf.Chromatic, amps []float64) *image.Frame {
	f := image.NewFrame(width, height, 1, math.Inf(1), 0)
	op := &forwardOp{data: f, weights: nil, cfg: cfg}
	kernels := op.buildKernels(chrom)
	for j, k := range kernels {
		if j >= len(amps) || amps[j] == 0 {
			continue
		}
		for yy := 0; yy < k.h; yy++ {
			for xx := 0; xx < k.w; xx++ {
				i := (k.y0+yy)*width + k.x0 + xx
				f.Data[i] += amps[j] * k.vals[yy*k.w+xx]
			}
		}
	}
	return f
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
