package calib

import (
	"errors"
	"math"
	"testing"

	"github.com/nightskyops/specex/internal/lines"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/pkg/config"
)

func TestSavGolPreservesPolynomials(t *testing.T) {
	// A Savitzky-Golay filter reproduces polynomials up to its order exactly.
	n := 50
	data := make([]float64, n)
	for i := range data {
		x := float64(i)
		data[i] = 3 + 0.5*x - 0.02*x*x
	}
	out, err := SavGol(data, 5, 2)
	if err != nil {
		t.Fatalf("SavGol: %v", err)
	}
	// Mirrored edges distort the first and last half-window on curved data.
	for i := 2; i < n-2; i++ {
		if math.Abs(out[i]-data[i]) > 1e-9 {
			t.Fatalf("sample %d = %g, want %g", i, out[i], data[i])
		}
	}
}

func TestSavGolRejectsBadWindow(t *testing.T) {
	data := make([]float64, 20)
	if _, err := SavGol(data, 4, 2); err == nil {
		t.Error("expected error for even window")
	}
	if _, err := SavGol(data, 5, 5); err == nil {
		t.Error("expected error for order >= window")
	}
}

func calCfg() config.CalibrationConfig {
	cfg := config.Default().Calibration
	return cfg
}

// syntheticSpectrum builds a flat continuum with Gaussian absorption dips
// and a linear first-guess wavelength axis lambda = 350 + 1.2*pixel.
func syntheticSpectrum(n int, dipPos []float64, depth float64) *spectrum.Spectrum {
	spec := spectrum.New(n)
	for i := 0; i < n; i++ {
		spec.Pixels[i] = float64(i)
		spec.Lambdas[i] = 350 + 1.2*float64(i)
		spec.Flux[i] = 1000
		spec.FluxErr[i] = 10
		for _, p := range dipPos {
			u := (float64(i) - p) / 2.0
			spec.Flux[i] -= depth * math.Exp(-0.5*u*u)
		}
	}
	return spec
}

// testTable puts lines exactly at pixels 60, 150 and 280 of the first-guess
// axis above.
func testTable() *lines.Table {
	return &lines.Table{Lines: []lines.Line{
		{Wavelength: 350 + 1.2*60, Strength: 0.5, Label: "a", Absorption: true},
		{Wavelength: 350 + 1.2*150, Strength: 1.0, Label: "b", Absorption: true},
		{Wavelength: 350 + 1.2*280, Strength: 0.8, Label: "c", Absorption: true},
	}}
}

func TestCalibrateExactLines(t *testing.T) {
	spec := syntheticSpectrum(400, []float64{60, 150, 280}, 300)
	cal := New(calCfg(), testTable())

	res, err := cal.Calibrate(spec)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if len(res.Matched) != 3 {
		t.Fatalf("matched %d lines, want 3", len(res.Matched))
	}
	// Three points and an order-2 fit interpolate exactly.
	if res.ResidualRMS > 1e-6 {
		t.Errorf("residual rms = %g nm, want ~0", res.ResidualRMS)
	}
	if math.Abs(res.MeanShift) > 0.1 {
		t.Errorf("mean shift = %g px, want ~0", res.MeanShift)
	}
	for _, m := range res.Matched {
		want := (m.Line.Wavelength - 350) / 1.2
		if math.Abs(m.PixelPos-want) > 0.1 {
			t.Errorf("line %s at %g px, want %g", m.Line.Label, m.PixelPos, want)
		}
	}
	// The refined axis stays strictly increasing.
	for i := 1; i < spec.Len(); i++ {
		if spec.Lambdas[i] <= spec.Lambdas[i-1] {
			t.Fatalf("refined axis not increasing at pixel %d", i)
		}
	}
}

func TestCalibrateRecoversConstantShift(t *testing.T) {
	// Dips sit three pixels redward of where the first guess predicts them.
	spec := syntheticSpectrum(400, []float64{63, 153, 283}, 300)
	cal := New(calCfg(), testTable())

	res, err := cal.Calibrate(spec)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if math.Abs(res.MeanShift-3) > 0.2 {
		t.Errorf("mean shift = %g px, want 3", res.MeanShift)
	}
	// The refined mapping puts each line wavelength at its detected pixel.
	for _, m := range res.Matched {
		got := spec.Lambdas[int(math.Round(m.PixelPos))]
		if math.Abs(got-m.Line.Wavelength) > 1.0 {
			t.Errorf("lambda at line %s = %g, want %g", m.Line.Label, got, m.Line.Wavelength)
		}
	}
}

func TestCalibrateRejectsNonMonotoneSolution(t *testing.T) {
	// A corrupted first guess sends the calibrator to dips whose pixel order
	// contradicts their wavelength order. The fitted axis turns over and must
	// be refused outright.
	n := 200
	spec := spectrum.New(n)
	for i := 0; i < n; i++ {
		spec.Pixels[i] = float64(i)
		if i < 100 {
			spec.Lambdas[i] = 300 + 2*float64(i)
		} else {
			spec.Lambdas[i] = 700 - 2*float64(i-100)
		}
		spec.Flux[i] = 1000
		spec.FluxErr[i] = 10
	}
	for _, p := range []float64{75, 125, 150} {
		for i := 0; i < n; i++ {
			u := (float64(i) - p) / 2.0
			spec.Flux[i] -= 300 * math.Exp(-0.5*u*u)
		}
	}
	table := &lines.Table{Lines: []lines.Line{
		{Wavelength: 450, Strength: 0.5, Label: "a", Absorption: true},
		{Wavelength: 650, Strength: 1.0, Label: "b", Absorption: true},
		{Wavelength: 600, Strength: 0.8, Label: "c", Absorption: true},
	}}

	_, err := New(calCfg(), table).Calibrate(spec)
	if err == nil {
		t.Fatal("expected a monotonicity error")
	}
	var merr *CalibrationMonotonicityError
	if !errors.As(err, &merr) {
		t.Fatalf("error is %T, want *CalibrationMonotonicityError: %v", err, err)
	}
}

func TestCalibrateFailsWithoutLines(t *testing.T) {
	// Featureless continuum: nothing to match.
	spec := syntheticSpectrum(400, nil, 0)
	_, err := New(calCfg(), testTable()).Calibrate(spec)
	if err == nil {
		t.Fatal("expected an error with no detectable lines")
	}
	var merr *CalibrationMonotonicityError
	if errors.As(err, &merr) {
		t.Fatal("featureless spectrum should fail matching, not monotonicity")
	}
}

func TestCalibrateAmbiguousLinesKeepStrongest(t *testing.T) {
	// Two table lines close enough to claim the same dip: the stronger one
	// keeps it, the weaker is rejected, and the third anchor still allows an
	// order-1 fit.
	cfg := calCfg()
	cfg.FitOrder = 1
	spec := syntheticSpectrum(400, []float64{150, 280}, 300)
	table := &lines.Table{Lines: []lines.Line{
		{Wavelength: 350 + 1.2*150, Strength: 1.0, Label: "strong", Absorption: true},
		{Wavelength: 350 + 1.2*153, Strength: 0.2, Label: "weak", Absorption: true},
		{Wavelength: 350 + 1.2*280, Strength: 0.8, Label: "other", Absorption: true},
	}}

	res, err := New(cfg, table).Calibrate(spec)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if len(res.Matched) != 2 {
		t.Fatalf("matched %d lines, want 2", len(res.Matched))
	}
	for _, m := range res.Matched {
		if m.Line.Label == "weak" {
			t.Error("weak line should lose the ambiguous dip")
		}
	}
	if res.Rejected == 0 {
		t.Error("ambiguous line not counted as rejected")
	}
}
