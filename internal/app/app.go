// Package app wires the configured pipeline together for a batch run:
// instrument data is loaded once up front as shared read-only state, the
// images are dispatched to the worker pool, and the outcome is persisted
// to the run ledger.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nightskyops/specex/internal/dispersion"
	"github.com/nightskyops/specex/internal/image"
	"github.com/nightskyops/specex/internal/ledger"
	"github.com/nightskyops/specex/internal/lines"
	"github.com/nightskyops/specex/internal/log"
	"github.com/nightskyops/specex/internal/pipeline"
	"github.com/nightskyops/specex/internal/throughput"
	"github.com/nightskyops/specex/pkg/config"
)

// ImageSpec names one input image and its centroid seed.
type ImageSpec struct {
	Path   string
	GuessX float64
	GuessY float64
}

// App represents the main application
type App struct {
	cfg        *config.Config
	ledgerPath string
	logger     *zap.SugaredLogger
}

// New creates a new application instance
func New(cfg *config.Config, ledgerPath string, logger *zap.SugaredLogger) *App {
	return &App{
		cfg:        cfg,
		ledgerPath: ledgerPath,
		logger:     logger,
	}
}

// Run processes the batch and returns the persisted run id.
func (a *App) Run(ctx context.Context, images []ImageSpec) (string, error) {
	started := time.Now()

	// Instrument data is loaded once and shared read-only across workers
	grating, err := dispersion.Load(a.cfg.Instrument.DisperserFile, a.cfg.CCD.PixelPitch)
	if err != nil {
		return "", err
	}
	instrument, err := throughput.LoadCurve(a.cfg.Instrument.ThroughputFile)
	if err != nil {
		return "", err
	}
	var atm throughput.Atmosphere
	if a.cfg.Instrument.AtmosphereSim != config.AtmosphereNone {
		curve, err := throughput.LoadCurve(a.cfg.Instrument.AtmosphereFile)
		if err != nil {
			return "", fmt.Errorf("loading atmospheric transmission: %w", err)
		}
		atm = &throughput.CurveAtmosphere{
			SimName: string(a.cfg.Instrument.AtmosphereSim),
			Curve:   curve,
		}
	}
	var table *lines.Table
	if a.cfg.Calibration.LineTableFile != "" {
		table, err = lines.Load(a.cfg.Calibration.LineTableFile)
		if err != nil {
			return "", err
		}
	}

	pipe, err := pipeline.New(a.cfg, pipeline.Deps{
		Grating:    grating,
		Instrument: instrument,
		Atmosphere: atm,
		Lines:      table,
	})
	if err != nil {
		return "", err
	}

	items := make([]pipeline.Item, 0, len(images))
	for _, spec := range images {
		frame, err := image.LoadText(spec.Path, a.cfg.CCD.Gain, a.cfg.CCD.MaxADU, a.cfg.CCD.ReadNoise)
		if err != nil {
			a.logger.Warnf("skipping unreadable image %s: %v", spec.Path, err)
			continue
		}
		gx, gy := spec.GuessX, spec.GuessY
		if gx == 0 && gy == 0 {
			gx = float64(frame.Width) / 2
			gy = float64(frame.Height) / 2
		}
		items = append(items, pipeline.Item{ID: spec.Path, Frame: frame, GuessX: gx, GuessY: gy})
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no readable images in the batch")
	}

	log.Infof("processing %d images", len(items))
	batch := pipe.ProcessBatch(ctx, items)
	log.Info(batch.Summary())

	store, err := ledger.Open(a.ledgerPath)
	if err != nil {
		return "", err
	}
	defer store.Close()

	runID, err := store.SaveBatch(started, len(items), batch)
	if err != nil {
		return "", err
	}
	log.Infof("run %s saved to %s", runID, a.ledgerPath)
	return runID, nil
}
