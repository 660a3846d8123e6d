package extract

import (
	"math"
	"testing"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/psf"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/pkg/config"
)

func extractConfig() *config.Config {
	cfg := config.Default()
	cfg.Spectrogram.SignalHalfWidth = 10
	cfg.Spectrogram.BackgroundOffset = 12
	cfg.PSF.Kind = config.PSFGauss
	cfg.PSF.PolyOrder = 1
	cfg.PSF.FWHMClip = 2
	cfg.Extraction.PixelStep = 10
	cfg.Extraction.SigmaClip = 5
	cfg.Extraction.MaxIterations = 60
	cfg.Extraction.MaxEvaluations = 2000
	return &cfg
}

// trueFlux is the injected spectrum: linear, so the anchor interpolation is
// exact away from fit noise.
func trueFlux(x int) float64 {
	return 2000 + 10*float64(x)
}

// syntheticTrace renders a Gaussian trace on the center row with a slowly
// widening profile and column fluxes trueFlux.
func syntheticTrace(nx, ny int, centerRow float64) *image.Frame {
	f := image.NewFrame(nx, ny, 1, math.Inf(1), 0)
	for x := 0; x < nx; x++ {
		sigma := 1.8 + 0.6*float64(x)/float64(nx-1)
		amp := trueFlux(x) / (sigma * math.Sqrt(2*math.Pi))
		for y := 0; y < ny; y++ {
			u := (float64(y) - centerRow) / sigma
			f.Set(x, y, f.At(x, y)+amp*math.Exp(-0.5*u*u))
		}
	}
	return f
}

func flatErrMap(n int, v float64) []float64 {
	errs := make([]float64, n)
	for i := range errs {
		errs[i] = v
	}
	return errs
}

func TestTransverseRecoversFlux(t *testing.T) {
	const nx, ny = 60, 41
	cfg := extractConfig()
	data := syntheticTrace(nx, ny, 20)
	profile, _ := psf.New(config.PSFGauss)

	res, err := Transverse(data, flatErrMap(nx*ny, 5), 20, cfg, profile)
	if err != nil {
		t.Fatalf("Transverse: %v", err)
	}
	if !res.Converged || res.NFailed != 0 {
		t.Fatalf("transverse fit not fully converged: %d anchors failed", res.NFailed)
	}
	for x := 0; x < nx; x += 7 {
		want := trueFlux(x)
		got := res.Spectrum.Flux[x]
		if math.Abs(got-want)/want > 0.03 {
			t.Errorf("flux at column %d = %g, want %g", x, got, want)
		}
		if res.Spectrum.Flags[x] != spectrum.FlagOK {
			t.Errorf("column %d flagged %d on clean data", x, res.Spectrum.Flags[x])
		}
	}
	// The chromatic model tracks the injected geometry.
	p := res.Chromatic.ParamsAt(30, 1)
	if math.Abs(p.Center-20) > 0.2 {
		t.Errorf("chromatic center at column 30 = %g, want 20", p.Center)
	}
	wantSigma := 1.8 + 0.6*30.0/59.0
	if math.Abs(p.Shape[0]-wantSigma) > 0.15 {
		t.Errorf("chromatic sigma at column 30 = %g, want %g", p.Shape[0], wantSigma)
	}
}

func TestTransverseClipsCosmicHit(t *testing.T) {
	const nx, ny = 60, 41
	cfg := extractConfig()
	data := syntheticTrace(nx, ny, 20)
	// A cosmic ray on an anchor column, well off the trace core.
	data.Set(20, 27, data.At(20, 27)+4000)
	profile, _ := psf.New(config.PSFGauss)

	res, err := Transverse(data, flatErrMap(nx*ny, 5), 20, cfg, profile)
	if err != nil {
		t.Fatalf("Transverse: %v", err)
	}
	want := trueFlux(20)
	if got := res.Spectrum.Flux[20]; math.Abs(got-want)/want > 0.05 {
		t.Errorf("flux under cosmic hit = %g, want %g", got, want)
	}
	for _, a := range res.Anchors {
		if a.Col == 20 && math.Abs(a.Params.Center-20) > 0.5 {
			t.Errorf("fit center on cosmic column = %g, want 20", a.Params.Center)
		}
	}
}

func TestTransverseFailsWithoutSignal(t *testing.T) {
	const nx, ny = 60, 41
	cfg := extractConfig()
	data := image.NewFrame(nx, ny, 1, math.Inf(1), 0)
	profile, _ := psf.New(config.PSFGauss)

	_, err := Transverse(data, flatErrMap(nx*ny, 5), 20, cfg, profile)
	if err == nil {
		t.Fatal("expected a convergence error on an empty frame")
	}
	if _, ok := err.(*FitConvergenceError); !ok {
		t.Fatalf("error is %T, want *FitConvergenceError", err)
	}
}

// forwardSetup renders a spectrogram from a known chromatic model so the
// deconvolution has an exact solution to find.
func forwardSetup(cfg *config.Config, nx, ny int) (*psf.Chromatic, []float64, *image.Frame) {
	profile, _ := psf.New(config.PSFGauss)
	chrom := psf.NewChromatic(profile, nx, cfg.PSF.PolyOrder, 20)
	chrom.ShapeCoeffs[0][0] = 2

	amps := make([]float64, nx)
	for x := range amps {
		amps[x] = trueFlux(x)
	}
	return chrom, amps, Render(nx, ny, cfg, chrom, amps)
}

func TestForwardReproducesZeroNoiseScene(t *testing.T) {
	const nx, ny = 60, 41
	cfg := extractConfig()
	cfg.Extraction.RegParam = 1e-6
	chrom, amps, data := forwardSetup(cfg, nx, ny)

	ref := spectrum.New(nx)
	copy(ref.Flux, amps) // reference from a perfect first pass
	res, err := Forward(data, flatErrMap(nx*ny, 1), cfg, chrom, ref)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for x := 5; x < nx-5; x += 6 {
		if got, want := res.Spectrum.Flux[x], amps[x]; math.Abs(got-want)/want > 0.02 {
			t.Errorf("amplitude at column %d = %g, want %g", x, got, want)
		}
	}
	if res.Chi2 > 1 {
		t.Errorf("chi2 = %g on noiseless data, want ~0", res.Chi2)
	}
	for x := 0; x < nx; x++ {
		if res.Spectrum.FluxErr[x] <= 0 {
			t.Fatalf("no amplitude uncertainty at column %d", x)
		}
	}
}

func TestForwardRegularizationBiasesTowardReference(t *testing.T) {
	const nx, ny = 60, 41
	cfg := extractConfig()
	chrom, amps, data := forwardSetup(cfg, nx, ny)
	errMap := flatErrMap(nx*ny, 1)
	ref := spectrum.New(nx) // zero reference: more regularization, less flux

	total := func(reg float64) float64 {
		c := *cfg
		c.Extraction.RegParam = reg
		res, err := Forward(data, errMap, &c, chrom, ref)
		if err != nil {
			t.Fatalf("Forward at reg %g: %v", reg, err)
		}
		var s float64
		for _, v := range res.Spectrum.Flux {
			s += v
		}
		return s
	}

	weak := total(1e-6)
	strong := total(50)
	var truth float64
	for _, v := range amps {
		truth += v
	}
	if math.Abs(weak-truth)/truth > 0.02 {
		t.Errorf("weakly regularized total flux = %g, want %g", weak, truth)
	}
	if strong >= weak {
		t.Errorf("strong regularization did not shrink toward the reference: %g >= %g", strong, weak)
	}
}

func TestRenderKernelsConserveFlux(t *testing.T) {
	const nx, ny = 40, 41
	cfg := extractConfig()
	profile, _ := psf.New(config.PSFGauss)
	chrom := psf.NewChromatic(profile, nx, 0, 20)
	amps := make([]float64, nx)
	var want float64
	for x := range amps {
		amps[x] = 100 + float64(x)
		want += amps[x]
	}

	f := Render(nx, ny, cfg, chrom, amps)
	var got float64
	for _, v := range f.Data {
		got += v
	}
	if math.Abs(got-want)/want > 1e-9 {
		t.Errorf("rendered flux = %g, want %g", got, want)
	}
}
