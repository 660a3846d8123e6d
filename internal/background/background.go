// Package background estimates the smooth sky background underneath a
// derotated spectrogram. Each column's background is a polynomial in the
// transverse coordinate, fit to the two strips flanking the signal band;
// stars in the strips are suppressed with a running median along the
// dispersion axis before fitting. Columns whose strips are dominated by
// flagged pixels are extrapolated from their neighbors and marked
// low-confidence.
package background

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/poly"
	"github.com/nightskyops/specex/pkg/config"
)

// Surface is a fitted background for one spectrogram.
type Surface struct {
	Width, Height int
	Values        []float64 // row-major background model
	LowConfidence []bool    // per column: background extrapolated, not fit

	BoxSize  int     // final median box after the pull-driven shrink loop
	PullMean float64 // residual pull statistics over the strips
	PullStd  float64
}

// At returns the background model value at (x, y).
func (s *Surface) At(x, y int) float64 {
	return s.Values[y*s.Width+x]
}

// SubtractFrom returns a copy of the spectrogram with the background
// removed.
func (s *Surface) SubtractFrom(spec *image.Frame) *image.Frame {
	out := spec.Clone()
	for i := range out.Data {
		out.Data[i] -= s.Values[i]
	}
	return out
}

// Estimate fits the background of a derotated spectrogram. centerRow is the
// trace position in spectrogram coordinates; errMap the per-pixel
// uncertainties; badThreshold the flagged-pixel density above which a
// column is extrapolated instead of fit. The median box is halved and the
// fit redone while the residual pull distribution over the strips stays
// biased, following the usual over-subtraction guard.
func Estimate(spec *image.Frame, errMap []float64, centerRow float64,
	sg config.SpectrogramConfig, order int, badThreshold float64) (*Surface, error) {

	rows := stripRows(spec.Height, centerRow, sg)
	if len(rows) < order+1 {
		return nil, fmt.Errorf("background: only %d strip rows for an order-%d fit", len(rows), order)
	}

	boxSize := sg.BoxSize
	if boxSize < 1 {
		boxSize = 1
	}
	var surf *Surface
	for {
		surf = fitOnce(spec, rows, centerRow, order, boxSize, badThreshold)
		surf.PullMean, surf.PullStd = pullStats(spec, errMap, surf, rows)
		if math.Abs(surf.PullMean) <= 1 && surf.PullStd <= 2 {
			break
		}
		if boxSize < 10 {
			break
		}
		boxSize = boxSize / 2
		if boxSize < 5 {
			boxSize = 5
		}
	}
	surf.BoxSize = boxSize
	return surf, nil
}

// stripRows lists the transverse rows belonging to the two background
// strips, excluding the signal band.
func stripRows(height int, centerRow float64, sg config.SpectrogramConfig) []int {
	yc := int(math.Round(centerRow))
	var rows []int
	for y := yc - sg.BackgroundOffset - sg.BackgroundWidth; y < yc-sg.BackgroundOffset; y++ {
		if y >= 0 && y < height {
			rows = append(rows, y)
		}
	}
	for y := yc + sg.BackgroundOffset + 1; y <= yc+sg.BackgroundOffset+sg.BackgroundWidth; y++ {
		if y >= 0 && y < height {
			rows = append(rows, y)
		}
	}
	return rows
}

func fitOnce(spec *image.Frame, rows []int, centerRow float64, order, boxSize int, badThreshold float64) *Surface {
	nx, ny := spec.Width, spec.Height
	surf := &Surface{
		Width:         nx,
		Height:        ny,
		Values:        make([]float64, nx*ny),
		LowConfidence: make([]bool, nx),
	}

	// Star suppression: running median along the dispersion axis per strip row
	smoothed := make(map[int][]float64, len(rows))
	for _, y := range rows {
		row := make([]float64, nx)
		for x := 0; x < nx; x++ {
			row[x] = spec.At(x, y)
		}
		smoothed[y] = runningMedian(row, boxSize)
	}

	ys := make([]float64, 0, len(rows))
	vs := make([]float64, 0, len(rows))
	coeffsPerCol := make([][]float64, nx)
	for x := 0; x < nx; x++ {
		ys = ys[:0]
		vs = vs[:0]
		flagged := 0
		for _, y := range rows {
			if spec.Saturated(x, y) {
				flagged++
				continue
			}
			ys = append(ys, float64(y)-centerRow)
			vs = append(vs, smoothed[y][x])
		}
		if float64(flagged) > badThreshold*float64(len(rows)) || len(ys) < order+1 {
			surf.LowConfidence[x] = true
			continue
		}
		coeffs, err := poly.Fit(ys, vs, order)
		if err != nil {
			surf.LowConfidence[x] = true
			continue
		}
		coeffsPerCol[x] = coeffs
	}

	// Extrapolate low-confidence columns from the nearest fit neighbors
	for x := 0; x < nx; x++ {
		if coeffsPerCol[x] != nil {
			continue
		}
		left, right := -1, -1
		for i := x - 1; i >= 0; i-- {
			if coeffsPerCol[i] != nil {
				left = i
				break
			}
		}
		for i := x + 1; i < nx; i++ {
			if coeffsPerCol[i] != nil {
				right = i
				break
			}
		}
		switch {
		case left >= 0 && right >= 0:
			w := float64(x-left) / float64(right-left)
			coeffsPerCol[x] = blend(coeffsPerCol[left], coeffsPerCol[right], w)
		case left >= 0:
			coeffsPerCol[x] = coeffsPerCol[left]
		case right >= 0:
			coeffsPerCol[x] = coeffsPerCol[right]
		default:
			coeffsPerCol[x] = make([]float64, order+1)
		}
	}

	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			surf.Values[y*nx+x] = poly.Eval(coeffsPerCol[x], float64(y)-centerRow)
		}
	}
	return surf
}

func blend(a, b []float64, w float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (1-w)*a[i] + w*b[i]
	}
	return out
}

// pullStats returns mean and standard deviation of (data-model)/error over
// the strip pixels. The sample is sigma clipped first: a field star in a
// strip leaves a handful of extreme pulls that must not drive the box
// shrink loop below the scale the running median needs to suppress it.
func pullStats(spec *image.Frame, errMap []float64, surf *Surface, rows []int) (float64, float64) {
	var pulls []float64
	for _, y := range rows {
		for x := 0; x < spec.Width; x++ {
			if spec.Saturated(x, y) {
				continue
			}
			i := y*spec.Width + x
			pulls = append(pulls, (spec.Data[i]-surf.Values[i])/errMap[i])
		}
	}
	if len(pulls) == 0 {
		return 0, 0
	}
	mean := stat.Mean(pulls, nil)
	std := stat.StdDev(pulls, nil)
	for iter := 0; iter < 5; iter++ {
		kept := pulls[:0]
		for _, p := range pulls {
			if math.Abs(p-mean) <= 3*std {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(pulls) || len(kept) < 2 {
			break
		}
		pulls = kept
		mean = stat.Mean(pulls, nil)
		std = stat.StdDev(pulls, nil)
	}
	return mean, std
}

// runningMedian filters a row with a centered median window, clamping at
// the edges.
func runningMedian(row []float64, window int) []float64 {
	if window < 2 {
		return append([]float64(nil), row...)
	}
	if window%2 == 0 {
		window++
	}
	half := window / 2
	n := len(row)
	out := make([]float64, n)
	buf := make([]float64, 0, window)
	for i := 0; i < n; i++ {
		buf = buf[:0]
		for j := i - half; j <= i+half; j++ {
			k := j
			if k < 0 {
				k = 0
			}
			if k >= n {
				k = n - 1
			}
			buf = append(buf, row[k])
		}
		sort.Float64s(buf)
		out[i] = buf[len(buf)/2]
	}
	return out
}
