// Package config holds the run configuration for the extraction pipeline.
//
// A Config mirrors the instrument parameter file: CCD characteristics,
// target search windows, rotation estimation settings, spectrogram
// geometry, PSF model choices, deconvolution toggles and wavelength
// calibration settings. It is loaded once at startup, validated, and then
// threaded read-only through every stage so that independent images can be
// processed by independent workers.
package config

import (
	"fmt"
)

// CentroidMethod selects how the target position is located on the frame.
type CentroidMethod string

const (
	CentroidGuess CentroidMethod = "guess" // windowed maximum plus flux-weighted moments
	CentroidFit   CentroidMethod = "fit"   // local 2D profile fit inside the search window
	CentroidWCS   CentroidMethod = "wcs"   // external astrometric solution
)

// RotationMethod selects how the dispersion-axis angle is estimated.
type RotationMethod string

const (
	RotationNone      RotationMethod = "none"
	RotationDisperser RotationMethod = "disperser" // fixed angle from disperser metadata
	RotationHessian   RotationMethod = "hessian"   // ridge direction from the image Hessian
)

// PSFKind selects the transverse profile family.
type PSFKind string

const (
	PSFGauss       PSFKind = "Gauss"
	PSFMoffat      PSFKind = "Moffat"
	PSFMoffatGauss PSFKind = "MoffatGauss"
)

// AtmosphereSim selects the external atmospheric transmission provider.
type AtmosphereSim string

const (
	AtmosphereNone       AtmosphereSim = "none"
	AtmosphereLibradtran AtmosphereSim = "libradtran"
	AtmosphereGetObs     AtmosphereSim = "getobsatmo"
)

// ConfigError reports an invalid parameter combination. It is raised at
// startup, before any image is touched.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// CCDConfig describes the detector.
type CCDConfig struct {
	ImageSize  int     `yaml:"image_size"`  // square frame side in pixels
	Gain       float64 `yaml:"gain"`        // e-/ADU
	MaxADU     float64 `yaml:"max_adu"`     // saturation level
	ReadNoise  float64 `yaml:"read_noise"`  // e- rms per pixel
	PixelPitch float64 `yaml:"pixel_pitch"` // mm per pixel, for the grating relation
}

// TargetConfig describes the centroid search.
type TargetConfig struct {
	Method  CentroidMethod `yaml:"method"`
	XWindow int            `yaml:"x_window"` // half-width of the search window
	YWindow int            `yaml:"y_window"`
}

// RotationConfig describes dispersion-angle estimation.
type RotationConfig struct {
	Method    RotationMethod `yaml:"method"`
	AngleMin  float64        `yaml:"angle_min"` // degrees
	AngleMax  float64        `yaml:"angle_max"`
	Prefilter bool           `yaml:"prefilter"` // Gaussian prefilter before Hessian
	Order     int            `yaml:"order"`     // trace polynomial order, must exceed 3
}

// SpectrogramConfig describes the extraction window geometry.
type SpectrogramConfig struct {
	SignalHalfWidth  int `yaml:"signal_half_width"` // transverse half-width of the signal band
	BackgroundOffset int `yaml:"background_offset"` // gap between signal band and background strips
	BackgroundWidth  int `yaml:"background_width"`  // width of each background strip
	BoxSize          int `yaml:"box_size"`          // background estimation box, shrunk when residuals are biased
}

// PSFConfig describes the transverse profile model.
type PSFConfig struct {
	Kind      PSFKind `yaml:"kind"`
	PolyOrder int     `yaml:"poly_order"` // shape-parameter polynomial order along dispersion
	FWHMClip  float64 `yaml:"fwhm_clip"`  // truncation radius in units of local FWHM
}

// ExtractionConfig describes the deconvolution strategies.
type ExtractionConfig struct {
	PSF2D              bool    `yaml:"psf2d"`             // per-column transverse fits
	FFM                bool    `yaml:"ffm"`               // full forward-model inversion
	PixelStep          int     `yaml:"pixel_step"`        // anchor column spacing for the transverse fit
	RegParam           float64 `yaml:"reg_param"`         // L2 regularization weight for FFM
	MaxIterations      int     `yaml:"max_iterations"`    // FFM outer-loop budget
	MaxEvaluations     int     `yaml:"max_evaluations"`   // FFM cost-function budget
	FitTimeoutSeconds  int     `yaml:"fit_timeout_sec"`   // wall-clock budget per FFM fit, 0 for none
	SigmaClip          float64 `yaml:"sigma_clip"`        // outlier rejection in transverse fits
	BadColumnThreshold float64 `yaml:"bad_col_threshold"` // saturated-pixel density above which a column's background is extrapolated
}

// CalibrationConfig describes wavelength calibration.
type CalibrationConfig struct {
	LambdaMin     float64 `yaml:"lambda_min"` // nm
	LambdaMax     float64 `yaml:"lambda_max"`
	PeakWidth     int     `yaml:"peak_width"`     // search window around predicted line positions
	SavgolWindow  int     `yaml:"savgol_window"`  // Savitzky-Golay window, odd
	SavgolOrder   int     `yaml:"savgol_order"`   // Savitzky-Golay polynomial order
	BgdWidth      int     `yaml:"bgd_width"`      // local baseline width under each peak
	BgdOrder      int     `yaml:"bgd_order"`      // background surface polynomial order
	FitOrder      int     `yaml:"fit_order"`      // pixel-to-wavelength polynomial order
	LineTableFile string  `yaml:"line_table"`     // optional, built-in table when empty
}

// InstrumentConfig points at the external instrument data.
type InstrumentConfig struct {
	DisperserFile           string        `yaml:"disperser_file"`  // grating metadata
	ThroughputFile          string        `yaml:"throughput_file"` // two-column wavelength/transmission text
	TransmissionSystematics float64       `yaml:"transmission_systematics"`
	AtmosphereSim           AtmosphereSim `yaml:"atmosphere_sim"`
	AtmosphereFile          string        `yaml:"atmosphere_file"` // transmission curve from the external simulator
}

// BatchConfig controls batch dispatch.
type BatchConfig struct {
	Workers         int `yaml:"workers"`           // 0 means GOMAXPROCS
	ImageTimeoutSec int `yaml:"image_timeout_sec"` // per-image wall clock budget, 0 for none
}

// Config is the full, immutable run configuration.
type Config struct {
	CCD         CCDConfig         `yaml:"ccd"`
	Target      TargetConfig      `yaml:"target"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Spectrogram SpectrogramConfig `yaml:"spectrogram"`
	PSF         PSFConfig         `yaml:"psf"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Batch       BatchConfig       `yaml:"batch"`
}

// Default returns the configuration matching the reference parameter file.
func Default() Config {
	return Config{
		CCD: CCDConfig{
			ImageSize:  2048,
			Gain:       3.0,
			MaxADU:     60000,
			ReadNoise:  8.5,
			PixelPitch: 0.024,
		},
		Target: TargetConfig{
			Method:  CentroidFit,
			XWindow: 100,
			YWindow: 100,
		},
		Rotation: RotationConfig{
			Method:    RotationHessian,
			AngleMin:  -10,
			AngleMax:  10,
			Prefilter: false,
			Order:     5,
		},
		Spectrogram: SpectrogramConfig{
			SignalHalfWidth:  10,
			BackgroundOffset: 20,
			BackgroundWidth:  10,
			BoxSize:          20,
		},
		PSF: PSFConfig{
			Kind:      PSFMoffat,
			PolyOrder: 2,
			FWHMClip:  2.0,
		},
		Extraction: ExtractionConfig{
			PSF2D:              true,
			FFM:                false,
			PixelStep:          10,
			RegParam:           0.1,
			MaxIterations:      500,
			MaxEvaluations:     20000,
			SigmaClip:          5,
			BadColumnThreshold: 0.25,
		},
		Calibration: CalibrationConfig{
			LambdaMin:    300,
			LambdaMax:    1100,
			PeakWidth:    7,
			SavgolWindow: 5,
			SavgolOrder:  2,
			BgdWidth:     10,
			BgdOrder:     3,
			FitOrder:     2,
		},
		Instrument: InstrumentConfig{
			TransmissionSystematics: 0.005,
			AtmosphereSim:           AtmosphereNone,
		},
		Batch: BatchConfig{},
	}
}

// Validate rejects invalid parameter combinations before any image work.
func (c *Config) Validate() error {
	if c.CCD.ImageSize <= 0 {
		return &ConfigError{"ccd.image_size", "must be positive"}
	}
	if c.CCD.Gain <= 0 {
		return &ConfigError{"ccd.gain", "must be positive"}
	}
	switch c.Target.Method {
	case CentroidGuess, CentroidFit, CentroidWCS:
	default:
		return &ConfigError{"target.method", fmt.Sprintf("unknown method %q", c.Target.Method)}
	}
	if c.Target.XWindow <= 0 || c.Target.YWindow <= 0 {
		return &ConfigError{"target.x_window", "search windows must be positive"}
	}
	switch c.Rotation.Method {
	case RotationNone, RotationDisperser, RotationHessian:
	default:
		return &ConfigError{"rotation.method", fmt.Sprintf("unknown method %q", c.Rotation.Method)}
	}
	if c.Rotation.Method == RotationHessian {
		if c.Rotation.AngleMin >= c.Rotation.AngleMax {
			return &ConfigError{"rotation.angle_min", "angle window is empty"}
		}
		if c.Rotation.Order <= 3 {
			return &ConfigError{"rotation.order", "trace polynomial order must exceed 3"}
		}
	}
	if c.Spectrogram.SignalHalfWidth <= 0 {
		return &ConfigError{"spectrogram.signal_half_width", "must be positive"}
	}
	if c.Spectrogram.BackgroundOffset < c.Spectrogram.SignalHalfWidth {
		return &ConfigError{"spectrogram.background_offset", "background strip overlaps the signal band"}
	}
	if c.Spectrogram.BackgroundWidth <= 0 {
		return &ConfigError{"spectrogram.background_width", "must be positive"}
	}
	switch c.PSF.Kind {
	case PSFGauss, PSFMoffat, PSFMoffatGauss:
	default:
		return &ConfigError{"psf.kind", fmt.Sprintf("unknown profile %q", c.PSF.Kind)}
	}
	if c.PSF.PolyOrder < 0 {
		return &ConfigError{"psf.poly_order", "must be non-negative"}
	}
	if c.PSF.FWHMClip <= 0 {
		return &ConfigError{"psf.fwhm_clip", "must be positive"}
	}
	if c.Extraction.PixelStep <= 0 {
		return &ConfigError{"extraction.pixel_step", "must be positive"}
	}
	if c.Extraction.RegParam < 0 {
		return &ConfigError{"extraction.reg_param", "must be non-negative"}
	}
	if c.Calibration.LambdaMin >= c.Calibration.LambdaMax {
		return &ConfigError{"calibration.lambda_min", "wavelength window is empty"}
	}
	if c.Calibration.SavgolWindow < 3 || c.Calibration.SavgolWindow%2 == 0 {
		return &ConfigError{"calibration.savgol_window", "must be odd and at least 3"}
	}
	if c.Calibration.SavgolOrder >= c.Calibration.SavgolWindow {
		return &ConfigError{"calibration.savgol_order", "must be smaller than the window"}
	}
	if c.Calibration.FitOrder < 1 {
		return &ConfigError{"calibration.fit_order", "must be at least 1"}
	}
	switch c.Instrument.AtmosphereSim {
	case AtmosphereNone, AtmosphereLibradtran, AtmosphereGetObs:
	default:
		return &ConfigError{"instrument.atmosphere_sim", fmt.Sprintf("unknown simulator %q", c.Instrument.AtmosphereSim)}
	}
	return nil
}
