// Package geometry locates the target centroid and the dispersion-axis
// rotation angle on a raw frame. Both estimators are strategy-selected once
// at pipeline setup from the run configuration; an estimate that does not
// clear its confidence checks surfaces as a *GeometryError instead of a
// silent guess.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/pkg/config"
)

// GeometryError reports that no confident centroid or rotation estimate
// exists inside the configured search domain.
type GeometryError struct {
	What   string
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry: no confident %s estimate: %s", e.What, e.Reason)
}

// Centroid is a target position in pixel coordinates with uncertainties.
type Centroid struct {
	X, Y       float64
	XErr, YErr float64
}

// Geometry is the full geometric solution for one frame.
type Geometry struct {
	Centroid Centroid
	AngleDeg float64
	AngleErr float64
}

// Resolver supplies a target position from an external astrometric
// solution. It is only consulted when the centroid method is "wcs".
type Resolver interface {
	Resolve(f *image.Frame) (x, y float64, err error)
}

// Estimator estimates frame geometry using the configured strategies.
type Estimator struct {
	target   config.TargetConfig
	rotation config.RotationConfig

	wcs            Resolver
	disperserAngle float64 // fixed angle for the "disperser" rotation method
}

// NewEstimator resolves the configured centroid and rotation strategies.
// wcs may be nil unless the centroid method is "wcs"; disperserAngle is the
// metadata tilt used by the "disperser" rotation method.
func NewEstimator(cfg *config.Config, wcs Resolver, disperserAngle float64) (*Estimator, error) {
	if cfg.Target.Method == config.CentroidWCS && wcs == nil {
		return nil, &config.ConfigError{Field: "target.method", Reason: "wcs centroiding requires an astrometric resolver"}
	}
	return &Estimator{
		target:         cfg.Target,
		rotation:       cfg.Rotation,
		wcs:            wcs,
		disperserAngle: disperserAngle,
	}, nil
}

// Estimate returns the geometry of the frame. guessX/guessY seed the
// centroid search window.
func (e *Estimator) Estimate(f *image.Frame, guessX, guessY float64) (*Geometry, error) {
	var c Centroid
	var err error
	switch e.target.Method {
	case config.CentroidGuess:
		c, err = e.centroidMoments(f, guessX, guessY)
	case config.CentroidFit:
		c, err = e.centroidFit(f, guessX, guessY)
	case config.CentroidWCS:
		var x, y float64
		x, y, err = e.wcs.Resolve(f)
		if err == nil {
			c = Centroid{X: x, Y: y, XErr: 0.5, YErr: 0.5}
		}
	}
	if err != nil {
		return nil, err
	}

	g := &Geometry{Centroid: c}
	switch e.rotation.Method {
	case config.RotationNone:
	case config.RotationDisperser:
		g.AngleDeg = e.disperserAngle
	case config.RotationHessian:
		angle, angleErr, err := e.hessianAngle(f, c)
		if err != nil {
			return nil, err
		}
		g.AngleDeg = angle
		g.AngleErr = angleErr
	}
	return g, nil
}

// Relocate re-finds the centroid on a derotated frame near its previous
// position, using windowed moments regardless of the configured method.
func (e *Estimator) Relocate(f *image.Frame, prev Centroid) (Centroid, error) {
	return e.centroidMoments(f, prev.X, prev.Y)
}

// window clamps the centroid search window around the guess.
func (e *Estimator) window(f *image.Frame, gx, gy float64) (x0, x1, y0, y1 int) {
	x0 = int(gx) - e.target.XWindow
	x1 = int(gx) + e.target.XWindow + 1
	y0 = int(gy) - e.target.YWindow
	y1 = int(gy) + e.target.YWindow + 1
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > f.Width {
		x1 = f.Width
	}
	if y1 > f.Height {
		y1 = f.Height
	}
	return
}

// centroidMoments implements the "guess" method: coarse windowed maximum
// followed by flux-weighted first moments around it.
func (e *Estimator) centroidMoments(f *image.Frame, gx, gy float64) (Centroid, error) {
	x0, x1, y0, y1 := e.window(f, gx, gy)
	if x1-x0 < 3 || y1-y0 < 3 {
		return Centroid{}, &GeometryError{What: "centroid", Reason: "search window falls outside the frame"}
	}

	// Coarse maximum, skipping saturated pixels
	peak := math.Inf(-1)
	px, py := -1, -1
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if v := f.At(x, y); v > peak && v < f.MaxADU {
				peak, px, py = v, x, y
			}
		}
	}
	if px < 0 || peak <= 0 {
		return Centroid{}, &GeometryError{What: "centroid", Reason: "no unsaturated peak in the search window"}
	}

	// Flux-weighted moments in a tight box around the peak, above a local
	// floor so the sky does not drag the centroid
	half := e.target.XWindow / 4
	if half < 3 {
		half = 3
	}
	floor := 0.1 * peak
	var sw, swx, swy float64
	for y := py - half; y <= py+half; y++ {
		for x := px - half; x <= px+half; x++ {
			if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
				continue
			}
			w := f.At(x, y) - floor
			if w <= 0 {
				continue
			}
			sw += w
			swx += w * float64(x)
			swy += w * float64(y)
		}
	}
	if sw <= 0 {
		return Centroid{}, &GeometryError{What: "centroid", Reason: "zero flux around the window maximum"}
	}
	return Centroid{
		X:    swx / sw,
		Y:    swy / sw,
		XErr: 1 / math.Sqrt(sw/peak+1),
		YErr: 1 / math.Sqrt(sw/peak+1),
	}, nil
}

// centroidFit implements the "fit" method: a 2D Gaussian plus constant
// background fit inside the search window, seeded by the moment centroid.
func (e *Estimator) centroidFit(f *image.Frame, gx, gy float64) (Centroid, error) {
	seed, err := e.centroidMoments(f, gx, gy)
	if err != nil {
		return Centroid{}, err
	}
	x0, x1, y0, y1 := e.window(f, gx, gy)

	peak := f.At(int(seed.X), int(seed.Y))
	// x = [x0, y0, log sigma, amplitude, background]
	p0 := []float64{seed.X, seed.Y, math.Log(2), peak, 0}

	chi2 := func(p []float64) float64 {
		cx, cy := p[0], p[1]
		sigma := math.Exp(p[2])
		amp, bgd := p[3], p[4]
		var sum float64
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				v := f.At(x, y)
				if v >= f.MaxADU {
					continue
				}
				dx := float64(x) - cx
				dy := float64(y) - cy
				m := bgd + amp*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				r := v - m
				sum += r * r
			}
		}
		return sum
	}

	problem := optimize.Problem{Func: chi2}
	result, err := optimize.Minimize(problem, p0, &optimize.Settings{
		MajorIterations: 400,
	}, &optimize.NelderMead{})
	if err != nil {
		return Centroid{}, &GeometryError{What: "centroid", Reason: fmt.Sprintf("profile fit failed: %v", err)}
	}
	cx, cy := result.X[0], result.X[1]
	if cx < float64(x0) || cx > float64(x1) || cy < float64(y0) || cy > float64(y1) {
		return Centroid{}, &GeometryError{What: "centroid", Reason: "profile fit left the search window"}
	}
	sigma := math.Exp(result.X[2])
	amp := result.X[3]
	if amp <= 0 {
		return Centroid{}, &GeometryError{What: "centroid", Reason: "profile fit found no positive peak"}
	}
	perr := sigma / math.Sqrt(math.Max(amp, 1))
	return Centroid{X: cx, Y: cy, XErr: perr, YErr: perr}, nil
}
