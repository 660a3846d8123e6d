// Package psf implements the transverse point-spread-function families used
// to model the dispersed trace: Gauss, Moffat, and a Moffat+Gauss mixture.
// A Profile evaluates one column's transverse intensity; a Chromatic wraps
// a Profile with shape parameters that vary polynomially along the
// dispersion axis.
package psf

import (
	"fmt"
	"math"

	"github.com/nightskyops/specex/pkg/config"
)

// Params holds one column's profile parameters. Amplitude is the peak
// intensity in ADU; Center the transverse position in pixels; Shape the
// kind-dependent width parameters.
type Params struct {
	Amplitude float64
	Center    float64
	Shape     []float64
}

// Shape parameter layout per kind:
//
//	Gauss:       [sigma]
//	Moffat:      [gamma, alpha]
//	MoffatGauss: [gamma, alpha, eta, sigma]
type Profile struct {
	Kind config.PSFKind
}

// New returns the profile of the configured kind.
func New(kind config.PSFKind) (*Profile, error) {
	switch kind {
	case config.PSFGauss, config.PSFMoffat, config.PSFMoffatGauss:
		return &Profile{Kind: kind}, nil
	default:
		return nil, fmt.Errorf("psf: unknown profile kind %q", kind)
	}
}

// NShape returns the number of shape parameters for this kind.
func (p *Profile) NShape() int {
	switch p.Kind {
	case config.PSFGauss:
		return 1
	case config.PSFMoffat:
		return 2
	default:
		return 4
	}
}

// DefaultShape returns a reasonable starting shape for fits.
func (p *Profile) DefaultShape() []float64 {
	switch p.Kind {
	case config.PSFGauss:
		return []float64{2}
	case config.PSFMoffat:
		return []float64{3, 2.5}
	default:
		return []float64{3, 2.5, 0.1, 2}
	}
}

// ClampShape forces shape parameters into their valid domain in place and
// returns the slice. The Moffat exponent must stay above 1/2 for the
// profile integral to exist; widths must stay positive.
func (p *Profile) ClampShape(s []float64) []float64 {
	clamp := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	switch p.Kind {
	case config.PSFGauss:
		s[0] = clamp(s[0], 0.3, 100)
	case config.PSFMoffat:
		s[0] = clamp(s[0], 0.3, 100)
		s[1] = clamp(s[1], 1.1, 10)
	default:
		s[0] = clamp(s[0], 0.3, 100)
		s[1] = clamp(s[1], 1.1, 10)
		s[2] = clamp(s[2], 0, 1)
		s[3] = clamp(s[3], 0.3, 100)
	}
	return s
}

// Density evaluates the transverse intensity at position y.
func (p *Profile) Density(y float64, pr Params) float64 {
	d := y - pr.Center
	switch p.Kind {
	case config.PSFGauss:
		u := d / pr.Shape[0]
		return pr.Amplitude * math.Exp(-0.5*u*u)
	case config.PSFMoffat:
		u := d / pr.Shape[0]
		return pr.Amplitude * math.Pow(1+u*u, -pr.Shape[1])
	default:
		u := d / pr.Shape[0]
		v := d / pr.Shape[3]
		return pr.Amplitude * (math.Pow(1+u*u, -pr.Shape[1]) + pr.Shape[2]*math.Exp(-0.5*v*v))
	}
}

// Integral returns the analytic integral of the profile over the transverse
// axis, i.e. the total flux carried by a column with these parameters.
func (p *Profile) Integral(pr Params) float64 {
	switch p.Kind {
	case config.PSFGauss:
		return pr.Amplitude * pr.Shape[0] * math.Sqrt(2*math.Pi)
	case config.PSFMoffat:
		return pr.Amplitude * moffatNorm(pr.Shape[0], pr.Shape[1])
	default:
		return pr.Amplitude * (moffatNorm(pr.Shape[0], pr.Shape[1]) +
			pr.Shape[2]*pr.Shape[3]*math.Sqrt(2*math.Pi))
	}
}

// moffatNorm is the 1D Moffat integral for unit amplitude:
// gamma * sqrt(pi) * Gamma(alpha - 1/2) / Gamma(alpha).
func moffatNorm(gamma, alpha float64) float64 {
	return gamma * math.Sqrt(math.Pi) * math.Gamma(alpha-0.5) / math.Gamma(alpha)
}

// FWHM returns the full width at half maximum of the profile.
func (p *Profile) FWHM(pr Params) float64 {
	switch p.Kind {
	case config.PSFGauss:
		return 2 * pr.Shape[0] * math.Sqrt(2*math.Log(2))
	case config.PSFMoffat:
		return 2 * pr.Shape[0] * math.Sqrt(math.Pow(2, 1/pr.Shape[1])-1)
	default:
		return p.numericFWHM(pr)
	}
}

// numericFWHM brackets the half-maximum crossing by bisection. The mixture
// profile has no closed-form width.
func (p *Profile) numericFWHM(pr Params) float64 {
	half := p.Density(pr.Center, pr) / 2
	lo, hi := 0.0, 1.0
	for p.Density(pr.Center+hi, pr) > half {
		hi *= 2
		if hi > 1e4 {
			return math.Inf(1)
		}
	}
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if p.Density(pr.Center+mid, pr) > half {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + hi
}

// TruncationRadius is the transverse distance beyond which the profile is
// not evaluated: the larger of the signal half-width and fwhmClip local
// FWHMs.
func (p *Profile) TruncationRadius(pr Params, signalHalfWidth int, fwhmClip float64) float64 {
	r := fwhmClip * p.FWHM(pr)
	if w := float64(signalHalfWidth); w > r {
		r = w
	}
	return r
}
