// Package throughput combines a calibrated spectrum with the instrument
// response and an externally supplied atmospheric transmission curve. The
// atmospheric simulators themselves are out of scope; they enter only as
// opaque transmission-curve providers.
package throughput

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"

	"github.com/nightskyops/specex/internal/spectrum"
)

// Curve is a wavelength-indexed transmission efficiency.
type Curve struct {
	Lambdas []float64
	Values  []float64
	pl      interp.PiecewiseLinear
}

// NewCurve builds a curve from parallel wavelength/value slices. Lambdas
// must be strictly increasing.
func NewCurve(lambdas, values []float64) (*Curve, error) {
	c := &Curve{Lambdas: lambdas, Values: values}
	if err := c.pl.Fit(lambdas, values); err != nil {
		return nil, fmt.Errorf("throughput: fitting curve: %w", err)
	}
	return c, nil
}

// At interpolates the curve at a wavelength. Outside the tabulated range
// the nearest endpoint value is used.
func (c *Curve) At(lambda float64) float64 {
	if lambda <= c.Lambdas[0] {
		return c.Values[0]
	}
	if lambda >= c.Lambdas[len(c.Lambdas)-1] {
		return c.Values[len(c.Values)-1]
	}
	return c.pl.Predict(lambda)
}

// LoadCurve reads a two-column wavelength/value text file.
func LoadCurve(path string) (*Curve, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening throughput file: %w", err)
	}
	defer fd.Close()

	var lambdas, values []float64
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("throughput file %s: malformed row %q", path, line)
		}
		l, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("throughput file %s: bad wavelength %q: %w", path, fields[0], err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("throughput file %s: bad value %q: %w", path, fields[1], err)
		}
		lambdas = append(lambdas, l)
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading throughput file: %w", err)
	}
	if len(lambdas) < 2 {
		return nil, fmt.Errorf("throughput file %s: need at least two rows", path)
	}
	return NewCurve(lambdas, values)
}

// Atmosphere supplies an atmospheric transmission curve. Implementations
// wrap the external simulators; the core never looks inside them.
type Atmosphere interface {
	Name() string
	Transmission(lambda float64) float64
}

// NoAtmosphere is the pass-through provider used when no simulator is
// configured.
type NoAtmosphere struct{}

func (NoAtmosphere) Name() string                   { return "none" }
func (NoAtmosphere) Transmission(_ float64) float64 { return 1 }

// CurveAtmosphere serves a transmission curve produced by an external
// simulator and loaded from a file.
type CurveAtmosphere struct {
	SimName string
	Curve   *Curve
}

func (a *CurveAtmosphere) Name() string { return a.SimName }

func (a *CurveAtmosphere) Transmission(lambda float64) float64 {
	return a.Curve.At(lambda)
}

// Report records what the transmission stage did to a spectrum.
type Report struct {
	AtmosphereApplied bool
	AtmosphereName    string
	LowThroughput     int // columns flagged for a too-small response
}

// Integrator applies instrument and atmospheric transmission to a
// calibrated spectrum.
type Integrator struct {
	Instrument  *Curve
	Systematics float64 // relative scale uncertainty folded into the response
	Atm         Atmosphere

	// MinTransmission guards the division: columns below it keep their raw
	// flux and are flagged. Zero selects a conservative default.
	MinTransmission float64
}

// Apply corrects the spectrum flux in place and returns a report. Columns
// where the combined transmission is too small for a stable correction are
// flagged rather than amplified into garbage.
func (t *Integrator) Apply(spec *spectrum.Spectrum) *Report {
	minT := t.MinTransmission
	if minT <= 0 {
		minT = 1e-3
	}
	atm := t.Atm
	if atm == nil {
		atm = NoAtmosphere{}
	}
	_, isNone := atm.(NoAtmosphere)

	rep := &Report{
		AtmosphereApplied: !isNone,
		AtmosphereName:    atm.Name(),
	}
	scale := 1 + t.Systematics
	for i, l := range spec.Lambdas {
		resp := t.Instrument.At(l) * scale
		ta := atm.Transmission(l)
		if resp < minT || ta < minT {
			spec.Flags[i] |= spectrum.FlagLowThroughput
			rep.LowThroughput++
			continue
		}
		spec.Flux[i] = spec.Flux[i] * resp / ta
		spec.FluxErr[i] = spec.FluxErr[i] * resp / ta
	}
	return rep
}
