package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"hpvscreen/internal/engine"
)

var ErrRunNotFound = errors.New("run not found")

// createdLayout is fixed width so created_at sorts lexically.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

// Store indexes finished runs and their series in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
}

// Run is one recorded simulation.
type Run struct {
	ID        string
	Label     string
	Location  string
	Seed      int64
	Engine    string
	Scenario  string
	CreatedAt time.Time
	SimPath   string
	Meta      map[string]string
}

// Open opens or creates the results database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve results db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure results db dir: %w", err)
	}
	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	store := &Store{DBPath: absPath, db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	location TEXT NOT NULL,
	seed INTEGER NOT NULL,
	engine TEXT NOT NULL,
	scenario TEXT,
	created_at TEXT NOT NULL,
	sim_path TEXT,
	meta_json TEXT
);

CREATE TABLE IF NOT EXISTS series (
	run_id TEXT NOT NULL REFERENCES runs(id),
	name TEXT NOT NULL,
	idx INTEGER NOT NULL,
	year REAL NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run_id, name, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create results schema: %w", err)
	}
	return nil
}

// SaveRun records a run and every series of res, returning the new run id.
func (s *Store) SaveRun(run Run, res *engine.Result) (string, error) {
	if err := res.Validate(); err != nil {
		return "", err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Engine == "" {
		run.Engine = res.Engine
	}
	if run.Label == "" {
		run.Label = res.Label
	}
	if run.Meta == nil {
		run.Meta = res.Meta
	}
	metaJSON, err := json.Marshal(run.Meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin save run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`
		INSERT INTO runs (id, label, location, seed, engine, scenario, created_at, sim_path, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, run.Location, run.Seed, run.Engine, run.Scenario,
		run.CreatedAt.UTC().Format(createdLayout), run.SimPath, string(metaJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO series (run_id, name, idx, year, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return "", fmt.Errorf("prepare series insert: %w", err)
	}
	defer stmt.Close()

	years := res.Series[engine.SeriesYear]
	for _, name := range res.SeriesNames() {
		if name == engine.SeriesYear {
			continue
		}
		for i, v := range res.Series[name] {
			if _, err := stmt.Exec(run.ID, name, i, years[i], v); err != nil {
				return "", fmt.Errorf("insert series %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	return run.ID, nil
}

// ListRuns returns the most recent runs first. A non-positive limit returns all runs.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT id, label, location, seed, engine, scenario, created_at, sim_path, meta_json
		FROM runs ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var scenario, simPath, metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&run.ID, &run.Label, &run.Location, &run.Seed, &run.Engine,
			&scenario, &createdAt, &simPath, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Scenario = scenario.String
		run.SimPath = simPath.String
		if t, err := time.Parse(createdLayout, createdAt); err == nil {
			run.CreatedAt = t
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &run.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for %s: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadSeries returns the year axis and values of one series of a run.
func (s *Store) LoadSeries(runID, name string) (years, values []float64, err error) {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return nil, nil, fmt.Errorf("check run: %w", err)
	}
	if exists == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := s.db.Query("SELECT idx, year, value FROM series WHERE run_id = ? AND name = ? ORDER BY idx", runID, name)
	if err != nil {
		return nil, nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	type point struct {
		idx         int
		year, value float64
	}
	var points []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.idx, &p.year, &p.value); err != nil {
			return nil, nil, fmt.Errorf("scan series: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(points) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", engine.ErrUnknownSeries, name)
	}
	for _, p := range points {
		years = append(years, p.year)
		values = append(values, p.value)
	}
	return years, values, nil
}
