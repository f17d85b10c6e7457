// Package reducedb mirrors reduction log rows into a SQLite database
// so downstream analysis can query a run without parsing the ASCII
// log. The database is a convenience sink: the append-only log file
// remains the durable record, so database errors are logged and
// swallowed rather than halting a run.
package reducedb

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abworrall/ccd-reduce/pkg/reduce"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	config_yaml TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS measures (
	run_id    TEXT NOT NULL,
	frame     INTEGER NOT NULL,
	frame_time REAL NOT NULL,
	valid     INTEGER NOT NULL,
	ccd       TEXT NOT NULL,
	aperture  TEXT NOT NULL,
	status    TEXT NOT NULL,
	located   INTEGER NOT NULL,
	x         REAL NOT NULL,
	y         REAL NOT NULL,
	extracted INTEGER NOT NULL,
	flux      REAL NOT NULL,
	flux_err  REAL NOT NULL,
	sky       REAL NOT NULL,
	fwhm      REAL NOT NULL,
	radius    REAL NOT NULL,
	saturated INTEGER NOT NULL,
	PRIMARY KEY (run_id, frame, ccd, aperture)
);

CREATE INDEX IF NOT EXISTS idx_measures_aperture
	ON measures(run_id, ccd, aperture, frame);
`

// A Store writes one measures row per aperture per frame. Implements
// reduce.Monitor.
type Store struct {
	db    *sql.DB
	runID string
}

func Open(filename, runID string, cfg reduce.Config) (*Store, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", filename, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO runs (run_id, started_at, config_yaml) VALUES (?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), cfg.AsYaml(),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return &Store{db: db, runID: runID}, nil
}

func (s *Store)OnRow(row reduce.Row) {
	if err := s.InsertRow(row); err != nil {
		log.Printf("reducedb: dropping frame %d: %v\n", row.Seq, err)
	}
}

func (s *Store)InsertRow(row reduce.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO measures (
			run_id, frame, frame_time, valid, ccd, aperture, status, located,
			x, y, extracted, flux, flux_err, sky, fwhm, radius, saturated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	t := 0.0
	if !row.Time.IsZero() {
		t = float64(row.Time.UnixNano()) / 1e9
	}

	for _, m := range row.Aps {
		_, err := stmt.Exec(
			s.runID, row.Seq, t, boolToInt(row.Valid), m.CCD, m.Label,
			m.Status.String(), boolToInt(m.Located),
			m.X, m.Y, boolToInt(m.Extracted),
			m.Flux, m.FluxErr, m.Sky, m.Fwhm, m.Radius, boolToInt(m.Saturated),
		)
		if err != nil {
			return fmt.Errorf("insert measure %s:%s: %w", m.CCD, m.Label, err)
		}
	}

	return tx.Commit()
}

func (s *Store)Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b { return 1 }
	return 0
}
