package geometry

import (
	"math"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/poly"
)

// hessianAngle estimates the dispersion-axis angle from the ridge structure
// of the frame. The dispersed trace shows up as a line of strongly negative
// transverse curvature, marked by the smaller eigenvalue of the intensity
// Hessian. Ridge pixels downstream of the target are collapsed to
// per-column weighted centroids, a polynomial is fit through them, and the
// angle is the trace slope at the ridge weight centroid. An estimate outside the
// configured angle window, or one supported by too few ridge columns, is a
// GeometryError.
func (e *Estimator) hessianAngle(f *image.Frame, c Centroid) (float64, float64, error) {
	work := f
	if e.rotation.Prefilter {
		work = binomialSmooth(f, 2)
	}

	// Smaller Hessian eigenvalue per pixel; the trace has it strongly negative
	lmin := make([]float64, f.Width*f.Height)
	minVal := 0.0
	for y := 1; y < f.Height-1; y++ {
		for x := 1; x < f.Width-1; x++ {
			hxx := work.At(x+1, y) - 2*work.At(x, y) + work.At(x-1, y)
			hyy := work.At(x, y+1) - 2*work.At(x, y) + work.At(x, y-1)
			hxy := (work.At(x+1, y+1) - work.At(x+1, y-1) - work.At(x-1, y+1) + work.At(x-1, y-1)) / 4
			tr := hxx + hyy
			det := math.Sqrt((hxx-hyy)*(hxx-hyy) + 4*hxy*hxy)
			l := (tr - det) / 2
			lmin[y*f.Width+x] = l
			if l < minVal {
				minVal = l
			}
		}
	}
	if minVal >= 0 {
		return 0, 0, &GeometryError{What: "rotation", Reason: "no ridge structure in the frame"}
	}

	// Candidate band: downstream of the order-0 spot, inside the widest
	// angle cone allowed by the configuration, keeping only pixels with at
	// least 10% of the strongest curvature response.
	threshold := 0.1 * minVal
	exclusion := float64(e.target.XWindow) / 2
	maxTan := math.Max(math.Abs(math.Tan(e.rotation.AngleMin*math.Pi/180)),
		math.Abs(math.Tan(e.rotation.AngleMax*math.Pi/180)))

	type column struct {
		x, y, w float64
	}
	var cols []column
	for x := int(c.X + exclusion); x < f.Width-1; x++ {
		dx := float64(x) - c.X
		band := maxTan*dx + 5
		var sw, swy float64
		for y := 1; y < f.Height-1; y++ {
			dy := float64(y) - c.Y
			if math.Abs(dy) > band {
				continue
			}
			if l := lmin[y*f.Width+x]; l < threshold {
				w := -l
				sw += w
				swy += w * float64(y)
			}
		}
		if sw > 0 {
			cols = append(cols, column{x: dx, y: swy/sw - c.Y, w: sw})
		}
	}

	minCols := 3 * (e.rotation.Order + 1)
	if len(cols) < minCols {
		return 0, 0, &GeometryError{What: "rotation", Reason: "too few ridge columns to constrain the trace direction"}
	}

	xs := make([]float64, len(cols))
	ys := make([]float64, len(cols))
	ws := make([]float64, len(cols))
	for i, col := range cols {
		xs[i], ys[i], ws[i] = col.x, col.y, col.w
	}
	coeffs, err := poly.FitWeighted(xs, ys, ws, e.rotation.Order)
	if err != nil {
		return 0, 0, &GeometryError{What: "rotation", Reason: err.Error()}
	}

	// Angle from the trace slope at the weight centroid of the ridge
	// columns; extrapolating back to the target amplifies column noise
	var sxw, swsum float64
	for i := range xs {
		sxw += ws[i] * xs[i]
		swsum += ws[i]
	}
	slope := poly.Eval(poly.Deriv(coeffs), sxw/swsum)
	angle := math.Atan(slope) * 180 / math.Pi
	if angle < e.rotation.AngleMin || angle > e.rotation.AngleMax {
		return 0, 0, &GeometryError{What: "rotation", Reason: "trace direction outside the allowed angle range"}
	}

	// Uncertainty from the residual scatter over the trace length
	var ss, sw float64
	for i := range xs {
		r := ys[i] - poly.Eval(coeffs, xs[i])
		ss += ws[i] * r * r
		sw += ws[i]
	}
	rms := math.Sqrt(ss / sw)
	span := xs[len(xs)-1] - xs[0]
	if span <= 0 {
		span = 1
	}
	angleErr := math.Atan(2*rms/span) * 180 / math.Pi

	return angle, angleErr, nil
}

// binomialSmooth applies passes of a separable 1-2-1 kernel, a cheap
// Gaussian approximation used as the rotation prefilter.
func binomialSmooth(f *image.Frame, passes int) *image.Frame {
	out := f.Clone()
	tmp := f.Clone()
	for p := 0; p < passes; p++ {
		for y := 0; y < out.Height; y++ {
			for x := 1; x < out.Width-1; x++ {
				tmp.Set(x, y, 0.25*out.At(x-1, y)+0.5*out.At(x, y)+0.25*out.At(x+1, y))
			}
		}
		for y := 1; y < out.Height-1; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, 0.25*tmp.At(x, y-1)+0.5*tmp.At(x, y)+0.25*tmp.At(x, y+1))
			}
		}
	}
	return out
}
