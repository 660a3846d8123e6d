package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nightskyops/specex/internal/geometry"
	"github.com/nightskyops/specex/internal/pipeline"
	"github.com/nightskyops/specex/internal/spectrum"
)

func testBatch() *pipeline.BatchResult {
	spec := spectrum.New(4)
	for i := range spec.Pixels {
		spec.Pixels[i] = float64(i)
		spec.Lambdas[i] = 400 + 10*float64(i)
		spec.Flux[i] = 1000 + float64(i)
		spec.FluxErr[i] = 5
	}
	spec.Flags[2] = spectrum.FlagBadBackground

	return &pipeline.BatchResult{
		Results: []*pipeline.Result{{
			ID:       "img-001",
			Geometry: &geometry.Geometry{Centroid: geometry.Centroid{X: 40, Y: 60}, AngleDeg: 1.2},
			Spectrum: spec,
			Background: &pipeline.BackgroundDiag{
				BoxSize:       10,
				LowConfidence: 1,
			},
			Extraction: &pipeline.ExtractionDiag{
				Mode:           "psf2d",
				PSF2DConverged: true,
			},
			Calibration: &pipeline.CalibrationDiag{
				MatchedLines: 3,
				ResidualRMS:  0.02,
			},
		}},
		Failures: []pipeline.Failure{
			{ID: "img-002", Stage: pipeline.StageCalibration, Reason: "only 1 lines matched"},
		},
	}
}

func TestSaveBatchRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specex.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	runID, err := store.SaveBatch(time.Now().Add(-time.Minute), 2, testBatch())
	if err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	var nImages, nExtracted, nFailed int
	err = store.db.QueryRow(
		`SELECT n_images, n_extracted, n_failed FROM runs WHERE id = ?`, runID).
		Scan(&nImages, &nExtracted, &nFailed)
	if err != nil {
		t.Fatalf("querying run: %v", err)
	}
	if nImages != 2 || nExtracted != 1 || nFailed != 1 {
		t.Errorf("run counts = %d/%d/%d, want 2/1/1", nImages, nExtracted, nFailed)
	}

	var rows int
	if err := store.db.QueryRow(
		`SELECT COUNT(*) FROM spectra WHERE run_id = ? AND image_id = ?`, runID, "img-001").
		Scan(&rows); err != nil {
		t.Fatalf("querying spectra: %v", err)
	}
	if rows != 4 {
		t.Errorf("spectrum rows = %d, want 4", rows)
	}

	var flags int
	if err := store.db.QueryRow(
		`SELECT flags FROM spectra WHERE run_id = ? AND pixel = 2`, runID).
		Scan(&flags); err != nil {
		t.Fatalf("querying flags: %v", err)
	}
	if spectrum.Flag(flags) != spectrum.FlagBadBackground {
		t.Errorf("flags = %d, want %d", flags, spectrum.FlagBadBackground)
	}

	var stage, reason string
	if err := store.db.QueryRow(
		`SELECT stage, reason FROM failures WHERE run_id = ? AND image_id = ?`, runID, "img-002").
		Scan(&stage, &reason); err != nil {
		t.Fatalf("querying failures: %v", err)
	}
	if stage != "calibration" || reason == "" {
		t.Errorf("failure row = %s/%s", stage, reason)
	}

	var mode string
	var matched int
	if err := store.db.QueryRow(
		`SELECT extraction_mode, matched_lines FROM diagnostics WHERE run_id = ?`, runID).
		Scan(&mode, &matched); err != nil {
		t.Fatalf("querying diagnostics: %v", err)
	}
	if mode != "psf2d" || matched != 3 {
		t.Errorf("diagnostics = %s/%d, want psf2d/3", mode, matched)
	}
}

func TestSaveBatchTwiceKeepsRunsApart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specex.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	a, err := store.SaveBatch(time.Now(), 2, testBatch())
	if err != nil {
		t.Fatalf("first SaveBatch: %v", err)
	}
	b, err := store.SaveBatch(time.Now(), 2, testBatch())
	if err != nil {
		t.Fatalf("second SaveBatch: %v", err)
	}
	if a == b {
		t.Fatal("two runs share an id")
	}

	var runs int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs); err != nil {
		t.Fatalf("counting runs: %v", err)
	}
	if runs != 2 {
		t.Errorf("run rows = %d, want 2", runs)
	}
}
