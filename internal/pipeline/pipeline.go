// Package pipeline sequences the extraction stages for single images and
// batches: geometry, derotation, background, extraction/deconvolution,
// wavelength calibration and transmission. Strategy selection happens once
// at construction; per-image processing holds no shared mutable state, so
// a batch fans out over a bounded worker pool with each worker owning its
// frame and buffers exclusively.
package pipeline

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/nightskyops/specex/internal/background"
	"github.com/nightskyops/specex/internal/calib"
	"github.com/nightskyops/specex/internal/dispersion"
	"github.com/nightskyops/specex/internal/extract"
	"github.com/nightskyops/specex/internal/geometry"
	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/lines"
	"github.com/nightskyops/specex/internal/log"
	"github.com/nightskyops/specex/internal/psf"
	"github.com/nightskyops/specex/internal/spectrum"
	"github.com/nightskyops/specex/internal/throughput"
	"github.com/nightskyops/specex/pkg/config"
)

// Stage names a pipeline phase for failure reporting.
type Stage string

const (
	StageGeometry     Stage = "geometry"
	StageBackground   Stage = "background"
	StageExtraction   Stage = "extraction"
	StageCalibration  Stage = "calibration"
	StageTransmission Stage = "transmission"
)

// StageError wraps a stage failure so the orchestrator can record where an
// image's processing stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Item is one image queued for processing.
type Item struct {
	ID     string
	Frame  *image.Frame
	GuessX float64 // seed for the centroid search
	GuessY float64
}

// BackgroundDiag summarizes the background stage.
type BackgroundDiag struct {
	BoxSize       int
	PullMean      float64
	PullStd       float64
	LowConfidence int // extrapolated columns
}

// ExtractionDiag summarizes the deconvolution stage.
type ExtractionDiag struct {
	Mode           string // "psf2d", "ffm", "psf2d+ffm" or "aperture"
	AnchorsFailed  int
	PSF2DConverged bool
	FFMConverged   bool
	FFMChi2        float64
}

// CalibrationDiag summarizes the wavelength calibration stage.
type CalibrationDiag struct {
	MatchedLines int
	Rejected     int
	ResidualRMS  float64
	MeanShiftPix float64
}

// Result is everything the pipeline produced for one image.
type Result struct {
	ID       string
	Geometry *geometry.Geometry
	Spectrum *spectrum.Spectrum

	Background   *BackgroundDiag
	Extraction   *ExtractionDiag
	Calibration  *CalibrationDiag
	Transmission *throughput.Report
}

// Deps are the external collaborators resolved before the pipeline starts:
// disperser metadata, instrument response, the optional atmospheric
// provider and astrometric resolver, and the reference line table.
type Deps struct {
	Grating    *dispersion.Grating
	Instrument *throughput.Curve
	Atmosphere throughput.Atmosphere
	WCS        geometry.Resolver
	Lines      *lines.Table
}

// Pipeline processes images under one immutable configuration.
type Pipeline struct {
	cfg        *config.Config
	profile    *psf.Profile
	estimator  *geometry.Estimator
	calibrator *calib.Calibrator
	grating    *dispersion.Grating
	integrator *throughput.Integrator
	logger     *zap.SugaredLogger
}

// New validates the configuration and resolves every strategy selector to
// a concrete implementation.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Grating == nil {
		return nil, &config.ConfigError{Field: "instrument.disperser_file", Reason: "no disperser metadata"}
	}
	if deps.Instrument == nil {
		return nil, &config.ConfigError{Field: "instrument.throughput_file", Reason: "no instrument throughput curve"}
	}
	if cfg.Instrument.AtmosphereSim != config.AtmosphereNone && deps.Atmosphere == nil {
		return nil, &config.ConfigError{
			Field:  "instrument.atmosphere_sim",
			Reason: fmt.Sprintf("simulator %q configured but no transmission provider supplied", cfg.Instrument.AtmosphereSim),
		}
	}

	profile, err := psf.New(cfg.PSF.Kind)
	if err != nil {
		return nil, err
	}
	estimator, err := geometry.NewEstimator(cfg, deps.WCS, deps.Grating.TiltDeg)
	if err != nil {
		return nil, err
	}
	atm := deps.Atmosphere
	if cfg.Instrument.AtmosphereSim == config.AtmosphereNone {
		atm = throughput.NoAtmosphere{}
	}

	return &Pipeline{
		cfg:        cfg,
		profile:    profile,
		estimator:  estimator,
		calibrator: calib.New(cfg.Calibration, deps.Lines),
		grating:    deps.Grating,
		integrator: &throughput.Integrator{
			Instrument:  deps.Instrument,
			Systematics: cfg.Instrument.TransmissionSystematics,
			Atm:         atm,
		},
		logger: log.GetSugaredLogger(),
	}, nil
}

// Process runs the full stage sequence on one image. A stage failure is
// returned as a *StageError; whatever the earlier stages produced is still
// in the partial Result.
func (p *Pipeline) Process(ctx context.Context, item Item) (*Result, error) {
	res := &Result{ID: item.ID}

	// Geometry on the raw frame
	geo, err := p.estimator.Estimate(item.Frame, item.GuessX, item.GuessY)
	if err != nil {
		return res, &StageError{Stage: StageGeometry, Err: err}
	}
	res.Geometry = geo
	p.logger.Infow("geometry solved", "image", item.ID,
		"x", geo.Centroid.X, "y", geo.Centroid.Y, "angle_deg", geo.AngleDeg)
	if err := ctx.Err(); err != nil {
		return res, &StageError{Stage: StageGeometry, Err: err}
	}

	// Derotate and re-locate the target on the turned frame
	frame := item.Frame
	centroid := geo.Centroid
	if geo.AngleDeg != 0 {
		frame = item.Frame.Derotate(geo.AngleDeg, centroid.X, centroid.Y)
		if c, err := p.estimator.Relocate(frame, centroid); err == nil {
			centroid = c
		}
	}

	// Crop the spectrogram from the wavelength bounds via the dispersion
	// relation
	sg := p.cfg.Spectrogram
	xmin := int(centroid.X + p.grating.LambdaToPixel(p.cfg.Calibration.LambdaMin))
	xmax := int(centroid.X+p.grating.LambdaToPixel(p.cfg.Calibration.LambdaMax)) + 1
	ymin := int(centroid.Y) - sg.BackgroundOffset - sg.BackgroundWidth
	ymax := int(centroid.Y) + sg.BackgroundOffset + sg.BackgroundWidth + 1
	spectro, err := frame.Crop(xmin, xmax, ymin, ymax)
	if err != nil {
		return res, &StageError{Stage: StageBackground, Err: err}
	}
	if xmin < 0 {
		xmin = 0
	}
	if ymin < 0 {
		ymin = 0
	}
	if xmax > frame.Width {
		xmax = frame.Width
	}
	if ymax > frame.Height {
		ymax = frame.Height
	}
	centerRow := centroid.Y - float64(ymin)
	errMap := spectro.ErrorMap()

	// Background under the trace
	surf, err := background.Estimate(spectro, errMap, centerRow, sg,
		p.cfg.Calibration.BgdOrder, p.cfg.Extraction.BadColumnThreshold)
	if err != nil {
		return res, &StageError{Stage: StageBackground, Err: err}
	}
	lowConf := 0
	for _, b := range surf.LowConfidence {
		if b {
			lowConf++
		}
	}
	res.Background = &BackgroundDiag{
		BoxSize:       surf.BoxSize,
		PullMean:      surf.PullMean,
		PullStd:       surf.PullStd,
		LowConfidence: lowConf,
	}
	if lowConf > 0 {
		p.logger.Warnw("background extrapolated for some columns", "image", item.ID, "columns", lowConf)
	}
	subtracted := surf.SubtractFrom(spectro)
	if err := ctx.Err(); err != nil {
		return res, &StageError{Stage: StageBackground, Err: err}
	}

	// Extraction: transverse fit, forward model, or both
	spec, diag, err := p.extractSpectrum(subtracted, errMap, centerRow)
	if err != nil {
		return res, &StageError{Stage: StageExtraction, Err: err}
	}
	res.Extraction = diag
	for x, bad := range surf.LowConfidence {
		if bad && x < spec.Len() {
			spec.Flags[x] |= spectrum.FlagBadBackground
		}
	}
	spec.XMin, spec.XMax = xmin, xmax
	spec.YMin, spec.YMax = ymin, ymax
	res.Spectrum = spec
	if err := ctx.Err(); err != nil {
		return res, &StageError{Stage: StageExtraction, Err: err}
	}

	// First-guess wavelengths from the grating relation, then line
	// calibration
	for i := range spec.Pixels {
		dx := spec.Pixels[i] + float64(xmin) - centroid.X
		spec.Lambdas[i] = p.grating.PixelToLambda(dx)
	}
	calRes, err := p.calibrator.Calibrate(spec)
	if err != nil {
		return res, &StageError{Stage: StageCalibration, Err: err}
	}
	res.Calibration = &CalibrationDiag{
		MatchedLines: len(calRes.Matched),
		Rejected:     calRes.Rejected,
		ResidualRMS:  calRes.ResidualRMS,
		MeanShiftPix: calRes.MeanShift,
	}
	p.logger.Infow("wavelength calibrated", "image", item.ID,
		"lines", len(calRes.Matched), "rms_nm", calRes.ResidualRMS)

	// Instrument and atmospheric transmission
	res.Transmission = p.integrator.Apply(spec)
	return res, nil
}

// extractSpectrum dispatches to the enabled deconvolution strategies. When
// both are on, the transverse result seeds and regularizes the forward
// model, which supersedes it.
func (p *Pipeline) extractSpectrum(data *image.Frame, errMap []float64, centerRow float64) (*spectrum.Spectrum, *ExtractionDiag, error) {
	ex := p.cfg.Extraction
	diag := &ExtractionDiag{}

	var trans *extract.TransverseResult
	if ex.PSF2D || ex.FFM {
		// FFM without PSF2D still needs the transverse pre-fit for its seed
		// and reference profile
		t, err := extract.Transverse(data, errMap, centerRow, p.cfg, p.profile)
		if err != nil {
			return nil, nil, err
		}
		trans = t
		diag.AnchorsFailed = t.NFailed
		diag.PSF2DConverged = t.Converged
	}

	switch {
	case ex.FFM:
		fm, err := extract.Forward(data, errMap, p.cfg, trans.Chromatic, trans.Spectrum)
		if err != nil {
			return nil, nil, err
		}
		diag.FFMConverged = fm.Converged
		diag.FFMChi2 = fm.Chi2
		if ex.PSF2D {
			diag.Mode = "psf2d+ffm"
		} else {
			diag.Mode = "ffm"
		}
		return fm.Spectrum, diag, nil
	case ex.PSF2D:
		diag.Mode = "psf2d"
		return trans.Spectrum, diag, nil
	default:
		// Both strategies disabled: plain aperture sum over the signal band
		diag.Mode = "aperture"
		return p.apertureSum(data, errMap, centerRow), diag, nil
	}
}

// apertureSum is the degenerate extraction used when both deconvolution
// modes are disabled: a straight sum over the signal band per column.
func (p *Pipeline) apertureSum(data *image.Frame, errMap []float64, centerRow float64) *spectrum.Spectrum {
	w := p.cfg.Spectrogram.SignalHalfWidth
	yc := int(math.Round(centerRow))
	spec := spectrum.New(data.Width)
	for x := 0; x < data.Width; x++ {
		var sum, varSum float64
		for y := yc - w; y <= yc+w; y++ {
			if y < 0 || y >= data.Height {
				continue
			}
			sum += data.At(x, y)
			e := errMap[y*data.Width+x]
			varSum += e * e
		}
		spec.Pixels[x] = float64(x)
		spec.Flux[x] = sum
		spec.FluxErr[x] = math.Sqrt(varSum)
	}
	return spec
}
