// Package calib detects known spectral lines in an extracted spectrum and
// fits the pixel-to-wavelength mapping. The spectrum is smoothed with a
// Savitzky-Golay filter, candidate extrema are searched near each reference
// line's predicted position, a local baseline isolates each feature's net
// strength, and a global polynomial is fit through the matched positions.
// A fit whose wavelength does not increase strictly with pixel is rejected,
// never silently accepted.
package calib

import (
	"fmt"
	"math"
	"sort"

	"github.com/nightskyops/specex/internal/lines"
	"github.com/nightskyops/specex/internal/poly"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/pkg/config"
)

// CalibrationMonotonicityError reports a pixel-to-wavelength fit that is
// not strictly increasing. The wavelength axis is unusable; the image's
// pipeline must stop here.
type CalibrationMonotonicityError struct {
	Detail string
}

func (e *CalibrationMonotonicityError) Error() string {
	return fmt.Sprintf("calib: non-monotone wavelength solution: %s", e.Detail)
}

// MatchedLine records one reference line located in the spectrum.
type MatchedLine struct {
	Line     lines.Line
	PixelPos float64 // sub-pixel detected position
	PredPix  float64 // position predicted by the first-guess mapping
	Strength float64 // net strength over the local baseline
	Residual float64 // nm, after the global fit
}

// Result is the calibration outcome.
type Result struct {
	Coeffs      []float64 // pixel -> wavelength polynomial
	Matched     []MatchedLine
	Rejected    int     // candidate peaks dropped as outliers or ambiguous
	ResidualRMS float64 // nm
	MeanShift   float64 // pixels, detected minus predicted positions
}

// Calibrator fits pixel-to-wavelength mappings against a line table.
type Calibrator struct {
	cfg   config.CalibrationConfig
	table *lines.Table
}

// New builds a calibrator. A nil table selects the built-in one.
func New(cfg config.CalibrationConfig, table *lines.Table) *Calibrator {
	if table == nil {
		table = lines.Default()
	}
	return &Calibrator{cfg: cfg, table: table}
}

// Calibrate locates reference lines in the spectrum and refits its
// wavelength axis in place. spec.Lambdas must hold the first-guess mapping
// from the dispersion relation.
func (c *Calibrator) Calibrate(spec *spectrum.Spectrum) (*Result, error) {
	n := spec.Len()
	if n < c.cfg.SavgolWindow {
		return nil, fmt.Errorf("calib: spectrum too short (%d columns)", n)
	}

	smoothed, err := SavGol(spec.Flux, c.cfg.SavgolWindow, c.cfg.SavgolOrder)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	candidates := c.table.InRange(c.cfg.LambdaMin, c.cfg.LambdaMax)
	type hit struct {
		m    MatchedLine
		peak int
	}
	var hits []hit
	for _, line := range candidates {
		pred := predictedPixel(spec.Lambdas, line.Wavelength)
		if pred < 0 {
			continue
		}
		h, ok := c.locate(spec, smoothed, line, pred)
		if !ok {
			res.Rejected++
			continue
		}
		h.PredPix = float64(pred)
		hits = append(hits, hit{m: h, peak: int(math.Round(h.PixelPos))})
	}

	// Two lines claiming the same extremum are ambiguous: keep the one with
	// the larger expected strength.
	sort.Slice(hits, func(i, j int) bool { return hits[i].m.Line.Strength > hits[j].m.Line.Strength })
	taken := map[int]bool{}
	var matched []MatchedLine
	for _, h := range hits {
		if taken[h.peak] {
			res.Rejected++
			continue
		}
		taken[h.peak] = true
		matched = append(matched, h.m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].PixelPos < matched[j].PixelPos })

	if len(matched) < c.cfg.FitOrder+1 {
		return nil, fmt.Errorf("calib: only %d lines matched, need %d for an order-%d fit",
			len(matched), c.cfg.FitOrder+1, c.cfg.FitOrder)
	}

	coeffs, matched, err := c.fitMapping(matched)
	if err != nil {
		return nil, err
	}

	// Strict monotonicity over the whole pixel range
	deriv := poly.Deriv(coeffs)
	for _, p := range spec.Pixels {
		if poly.Eval(deriv, p) <= 0 {
			return nil, &CalibrationMonotonicityError{
				Detail: fmt.Sprintf("d(lambda)/d(pixel) <= 0 at pixel %.0f", p),
			}
		}
	}

	// Apply the refined mapping
	for i, p := range spec.Pixels {
		spec.Lambdas[i] = poly.Eval(coeffs, p)
	}

	var ss, shift float64
	for i := range matched {
		ss += matched[i].Residual * matched[i].Residual
		shift += matched[i].PixelPos - matched[i].PredPix
	}
	res.Coeffs = coeffs
	res.Matched = matched
	res.ResidualRMS = math.Sqrt(ss / float64(len(matched)))
	res.MeanShift = shift / float64(len(matched))
	return res, nil
}

// predictedPixel returns the spectrum index whose first-guess wavelength is
// closest to the target, or -1 outside the covered range.
func predictedPixel(lambdas []float64, target float64) int {
	best, bestD := -1, math.Inf(1)
	for i, l := range lambdas {
		if d := math.Abs(l - target); d < bestD {
			best, bestD = i, d
		}
	}
	if best == 0 || best == len(lambdas)-1 {
		// Nearest sample at the edge means the line sits outside the range
		if bestD > math.Abs(lambdas[1]-lambdas[0])*2 {
			return -1
		}
	}
	return best
}

// locate searches for one line's extremum near its predicted position and
// measures its net strength over a local polynomial baseline.
func (c *Calibrator) locate(spec *spectrum.Spectrum, smoothed []float64, line lines.Line, pred int) (MatchedLine, bool) {
	n := len(smoothed)
	lo := pred - c.cfg.PeakWidth
	hi := pred + c.cfg.PeakWidth
	if lo < 1 {
		lo = 1
	}
	if hi > n-2 {
		hi = n - 2
	}
	if lo >= hi {
		return MatchedLine{}, false
	}

	// Extremum of the smoothed spectrum inside the search window
	peak := -1
	for i := lo; i <= hi; i++ {
		if line.Absorption {
			if peak < 0 || smoothed[i] < smoothed[peak] {
				peak = i
			}
		} else {
			if peak < 0 || smoothed[i] > smoothed[peak] {
				peak = i
			}
		}
	}
	// A true extremum, not a window-edge slope
	if peak == lo || peak == hi {
		interior := false
		if peak > 0 && peak < n-1 {
			if line.Absorption {
				interior = smoothed[peak] <= smoothed[peak-1] && smoothed[peak] <= smoothed[peak+1]
			} else {
				interior = smoothed[peak] >= smoothed[peak-1] && smoothed[peak] >= smoothed[peak+1]
			}
		}
		if !interior {
			return MatchedLine{}, false
		}
	}

	// Local linear baseline from the flanks on both sides of the feature
	var xs, ys []float64
	for i := peak - c.cfg.PeakWidth - c.cfg.BgdWidth; i <= peak-c.cfg.PeakWidth; i++ {
		if i >= 0 && i < n {
			xs = append(xs, float64(i))
			ys = append(ys, smoothed[i])
		}
	}
	for i := peak + c.cfg.PeakWidth; i <= peak+c.cfg.PeakWidth+c.cfg.BgdWidth; i++ {
		if i >= 0 && i < n {
			xs = append(xs, float64(i))
			ys = append(ys, smoothed[i])
		}
	}
	if len(xs) < 3 {
		return MatchedLine{}, false
	}
	baseline, err := poly.Fit(xs, ys, 1)
	if err != nil {
		return MatchedLine{}, false
	}

	net := smoothed[peak] - poly.Eval(baseline, float64(peak))
	if line.Absorption {
		net = -net
	}
	noise := baselineScatter(spec.Flux, smoothed, xs)
	if net <= 2*noise {
		return MatchedLine{}, false
	}

	// Sub-pixel refinement by parabolic interpolation through the extremum
	pos := float64(peak)
	d2 := smoothed[peak-1] - 2*smoothed[peak] + smoothed[peak+1]
	if d2 != 0 {
		off := 0.5 * (smoothed[peak-1] - smoothed[peak+1]) / d2
		if math.Abs(off) <= 1 {
			pos += off
		}
	}

	return MatchedLine{Line: line, PixelPos: pos, Strength: net}, true
}

// baselineScatter estimates the local noise as the rms of the raw-minus-
// smoothed residual over the baseline samples.
func baselineScatter(raw, smoothed []float64, xs []float64) float64 {
	var ss float64
	for _, x := range xs {
		i := int(x)
		r := raw[i] - smoothed[i]
		ss += r * r
	}
	if len(xs) == 0 {
		return 0
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// fitMapping fits the global pixel-to-wavelength polynomial with one
// outlier-rejection pass on the residuals.
func (c *Calibrator) fitMapping(matched []MatchedLine) ([]float64, []MatchedLine, error) {
	fit := func(ms []MatchedLine) ([]float64, error) {
		xs := make([]float64, len(ms))
		ys := make([]float64, len(ms))
		ws := make([]float64, len(ms))
		for i, m := range ms {
			xs[i] = m.PixelPos
			ys[i] = m.Line.Wavelength
			ws[i] = m.Line.Strength
		}
		order := c.cfg.FitOrder
		if len(ms) < order+1 {
			order = len(ms) - 1
		}
		return poly.FitWeighted(xs, ys, ws, order)
	}

	coeffs, err := fit(matched)
	if err != nil {
		return nil, nil, fmt.Errorf("calib: wavelength fit: %w", err)
	}
	for i := range matched {
		matched[i].Residual = matched[i].Line.Wavelength - poly.Eval(coeffs, matched[i].PixelPos)
	}

	// Reject matches beyond 3x the median absolute residual and refit once
	if len(matched) > c.cfg.FitOrder+2 {
		absr := make([]float64, len(matched))
		for i, m := range matched {
			absr[i] = math.Abs(m.Residual)
		}
		sort.Float64s(absr)
		mad := absr[len(absr)/2]
		if mad > 0 {
			var kept []MatchedLine
			for _, m := range matched {
				if math.Abs(m.Residual) <= 3*mad+1e-12 {
					kept = append(kept, m)
				}
			}
			if len(kept) >= c.cfg.FitOrder+1 && len(kept) < len(matched) {
				matched = kept
				coeffs, err = fit(matched)
				if err != nil {
					return nil, nil, fmt.Errorf("calib: wavelength refit: %w", err)
				}
				for i := range matched {
					matched[i].Residual = matched[i].Line.Wavelength - poly.Eval(coeffs, matched[i].PixelPos)
				}
			}
		}
	}
	return coeffs, matched, nil
}
