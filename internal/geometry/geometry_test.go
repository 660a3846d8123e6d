package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Target.Method = config.CentroidGuess
	cfg.Target.XWindow = 20
	cfg.Target.YWindow = 20
	cfg.Rotation.Method = config.RotationNone
	return &cfg
}

func addGauss(f *image.Frame, cx, cy, sigma, amp float64) {
	r := int(6 * sigma)
	for y := int(cy) - r; y <= int(cy)+r; y++ {
		for x := int(cx) - r; x <= int(cx)+r; x++ {
			if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			f.Set(x, y, f.At(x, y)+amp*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
}

// starFrame puts a bright point source at (60, 100) and, when angleDeg is
// set, a dispersed trace running from x=80 to the right edge.
func starFrame(angleDeg float64) *image.Frame {
	f := image.NewFrame(300, 200, 3, 60000, 8)
	addGauss(f, 60, 100, 2, 3000)
	if angleDeg != 0 {
		tan := math.Tan(angleDeg * math.Pi / 180)
		for x := 80; x < 295; x++ {
			cy := 100 + tan*float64(x-60)
			for y := int(cy) - 8; y <= int(cy)+8; y++ {
				dy := float64(y) - cy
				f.Set(x, y, f.At(x, y)+1000*math.Exp(-dy*dy/(2*4)))
			}
		}
	}
	return f
}

func TestCentroidMoments(t *testing.T) {
	cfg := testConfig()
	est, err := NewEstimator(cfg, nil, 0)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	g, err := est.Estimate(starFrame(0), 62, 98)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if math.Abs(g.Centroid.X-60) > 0.3 || math.Abs(g.Centroid.Y-100) > 0.3 {
		t.Errorf("centroid = (%g, %g), want (60, 100)", g.Centroid.X, g.Centroid.Y)
	}
	if g.Centroid.XErr <= 0 {
		t.Error("centroid without an uncertainty")
	}
}

func TestCentroidFit(t *testing.T) {
	cfg := testConfig()
	cfg.Target.Method = config.CentroidFit
	est, _ := NewEstimator(cfg, nil, 0)
	g, err := est.Estimate(starFrame(0), 62, 98)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if math.Abs(g.Centroid.X-60) > 0.2 || math.Abs(g.Centroid.Y-100) > 0.2 {
		t.Errorf("fit centroid = (%g, %g), want (60, 100)", g.Centroid.X, g.Centroid.Y)
	}
}

func TestCentroidWindowOutsideFrame(t *testing.T) {
	est, _ := NewEstimator(testConfig(), nil, 0)
	_, err := est.Estimate(starFrame(0), -500, -500)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("error is %T, want *GeometryError: %v", err, err)
	}
}

func TestCentroidEmptyFrame(t *testing.T) {
	est, _ := NewEstimator(testConfig(), nil, 0)
	f := image.NewFrame(100, 100, 3, 60000, 8)
	_, err := est.Estimate(f, 50, 50)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("error is %T, want *GeometryError: %v", err, err)
	}
}

type fixedResolver struct{ x, y float64 }

func (r fixedResolver) Resolve(*image.Frame) (float64, float64, error) { return r.x, r.y, nil }

func TestCentroidWCS(t *testing.T) {
	cfg := testConfig()
	cfg.Target.Method = config.CentroidWCS

	if _, err := NewEstimator(cfg, nil, 0); err == nil {
		t.Fatal("expected error for wcs centroiding without a resolver")
	}

	est, err := NewEstimator(cfg, fixedResolver{x: 61.5, y: 99.5}, 0)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	g, err := est.Estimate(starFrame(0), 0, 0)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if g.Centroid.X != 61.5 || g.Centroid.Y != 99.5 {
		t.Errorf("centroid = (%g, %g), want resolver position", g.Centroid.X, g.Centroid.Y)
	}
}

func TestDisperserRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation.Method = config.RotationDisperser
	est, _ := NewEstimator(cfg, nil, -1.56)
	g, err := est.Estimate(starFrame(0), 62, 98)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if g.AngleDeg != -1.56 {
		t.Errorf("angle = %g, want metadata tilt -1.56", g.AngleDeg)
	}
}

func TestHessianAngleRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation.Method = config.RotationHessian
	est, _ := NewEstimator(cfg, nil, 0)

	g, err := est.Estimate(starFrame(5), 62, 98)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if math.Abs(g.AngleDeg-5) > 0.3 {
		t.Errorf("angle = %g deg, want 5", g.AngleDeg)
	}
	if g.AngleErr < 0 || g.AngleErr > 1 {
		t.Errorf("angle error = %g deg, want small and non-negative", g.AngleErr)
	}
}

func TestHessianAngleWithPrefilter(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation.Method = config.RotationHessian
	cfg.Rotation.Prefilter = true
	est, _ := NewEstimator(cfg, nil, 0)

	g, err := est.Estimate(starFrame(-3), 62, 98)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if math.Abs(g.AngleDeg+3) > 0.3 {
		t.Errorf("angle = %g deg, want -3", g.AngleDeg)
	}
}

func TestHessianAngleOutsideWindow(t *testing.T) {
	// A 15 degree trace cannot satisfy a [-10, 10] window; the estimate must
	// fail loudly rather than clamp.
	cfg := testConfig()
	cfg.Rotation.Method = config.RotationHessian
	est, _ := NewEstimator(cfg, nil, 0)

	_, err := est.Estimate(starFrame(15), 62, 98)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("error is %T, want *GeometryError: %v", err, err)
	}
	if gerr.What != "rotation" {
		t.Errorf("error names %q, want rotation", gerr.What)
	}
}

func TestHessianNoRidge(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation.Method = config.RotationHessian
	est, _ := NewEstimator(cfg, nil, 0)

	_, err := est.Estimate(starFrame(0), 62, 98)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("error is %T, want *GeometryError for a trace-free frame: %v", err, err)
	}
}

func TestRelocate(t *testing.T) {
	est, _ := NewEstimator(testConfig(), nil, 0)
	c, err := est.Relocate(starFrame(0), Centroid{X: 63, Y: 97})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if math.Abs(c.X-60) > 0.3 || math.Abs(c.Y-100) > 0.3 {
		t.Errorf("relocated centroid = (%g, %g), want (60, 100)", c.X, c.Y)
	}
}
