// Package ledger persists run outputs to an embedded SQLite database: one
// row per run, the extracted spectra, and the per-image failure records. It
// is the durable form of the batch result a run always produces.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nightskyops/specex/internal/pipeline"
)

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ledger: pinging database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			n_images INTEGER NOT NULL,
			n_extracted INTEGER,
			n_failed INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS spectra (
			run_id TEXT NOT NULL REFERENCES runs(id),
			image_id TEXT NOT NULL,
			pixel REAL NOT NULL,
			lambda REAL NOT NULL,
			flux REAL NOT NULL,
			flux_err REAL NOT NULL,
			flags INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			run_id TEXT NOT NULL REFERENCES runs(id),
			image_id TEXT NOT NULL,
			centroid_x REAL, centroid_y REAL, angle_deg REAL,
			bgd_low_confidence INTEGER,
			extraction_mode TEXT,
			ffm_converged INTEGER,
			matched_lines INTEGER,
			calib_rms_nm REAL
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL REFERENCES runs(id),
			image_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spectra_image ON spectra(run_id, image_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: creating schema: %w", err)
		}
	}
	return nil
}

// SaveBatch stores a complete batch result and returns the new run id.
func (s *Store) SaveBatch(started time.Time, nImages int, batch *pipeline.BatchResult) (string, error) {
	runID := uuid.New().String()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("ledger: starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, started_at, finished_at, n_images, n_extracted, n_failed) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, started, time.Now(), nImages, len(batch.Results), len(batch.Failures))
	if err != nil {
		return "", fmt.Errorf("ledger: inserting run: %w", err)
	}

	specStmt, err := tx.Prepare(
		`INSERT INTO spectra (run_id, image_id, pixel, lambda, flux, flux_err, flags) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("ledger: preparing insert: %w", err)
	}
	defer specStmt.Close()

	for _, res := range batch.Results {
		spec := res.Spectrum
		for i := range spec.Pixels {
			if _, err := specStmt.Exec(runID, res.ID, spec.Pixels[i], spec.Lambdas[i],
				spec.Flux[i], spec.FluxErr[i], int(spec.Flags[i])); err != nil {
				return "", fmt.Errorf("ledger: inserting spectrum row: %w", err)
			}
		}

		var lowConf int
		if res.Background != nil {
			lowConf = res.Background.LowConfidence
		}
		mode := ""
		ffmOK := 0
		if res.Extraction != nil {
			mode = res.Extraction.Mode
			if res.Extraction.FFMConverged {
				ffmOK = 1
			}
		}
		matched := 0
		rms := 0.0
		if res.Calibration != nil {
			matched = res.Calibration.MatchedLines
			rms = res.Calibration.ResidualRMS
		}
		if _, err := tx.Exec(
			`INSERT INTO diagnostics (run_id, image_id, centroid_x, centroid_y, angle_deg,
				bgd_low_confidence, extraction_mode, ffm_converged, matched_lines, calib_rms_nm)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, res.ID, res.Geometry.Centroid.X, res.Geometry.Centroid.Y, res.Geometry.AngleDeg,
			lowConf, mode, ffmOK, matched, rms); err != nil {
			return "", fmt.Errorf("ledger: inserting diagnostics: %w", err)
		}
	}

	for _, f := range batch.Failures {
		if _, err := tx.Exec(
			`INSERT INTO failures (run_id, image_id, stage, reason) VALUES (?, ?, ?, ?)`,
			runID, f.ID, string(f.Stage), f.Reason); err != nil {
			return "", fmt.Errorf("ledger: inserting failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("ledger: committing: %w", err)
	}
	return runID, nil
}
