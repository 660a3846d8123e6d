// Package spectrum defines the extracted 1D spectrum shared by the
// extraction, calibration and transmission stages.
package spectrum

// Flag marks per-column data quality.
type Flag uint8

const (
	FlagOK            Flag = 0
	FlagNoConverge    Flag = 1 << iota // transverse fit did not converge, value interpolated
	FlagBadBackground                  // background under this column was extrapolated
	FlagLowThroughput                  // instrument response too small for a reliable correction
)

// Spectrum is an ordered sequence of flux samples along the dispersion
// axis. Pixels are spectrogram column indices; Lambdas are filled by the
// wavelength calibrator and refined from the first-guess dispersion
// relation.
type Spectrum struct {
	Pixels  []float64
	Lambdas []float64
	Flux    []float64
	FluxErr []float64
	Flags   []Flag

	// Crop bookkeeping: spectrogram bounds in original frame coordinates.
	XMin, XMax int
	YMin, YMax int
}

// New allocates a spectrum with n columns.
func New(n int) *Spectrum {
	return &Spectrum{
		Pixels:  make([]float64, n),
		Lambdas: make([]float64, n),
		Flux:    make([]float64, n),
		FluxErr: make([]float64, n),
		Flags:   make([]Flag, n),
	}
}

// Len returns the number of columns.
func (s *Spectrum) Len() int {
	return len(s.Pixels)
}

// Clone returns a deep copy.
func (s *Spectrum) Clone() *Spectrum {
	out := &Spectrum{
		Pixels:  append([]float64(nil), s.Pixels...),
		Lambdas: append([]float64(nil), s.Lambdas...),
		Flux:    append([]float64(nil), s.Flux...),
		FluxErr: append([]float64(nil), s.FluxErr...),
		Flags:   append([]Flag(nil), s.Flags...),
		XMin:    s.XMin, XMax: s.XMax,
		YMin: s.YMin, YMax: s.YMax,
	}
	return out
}
