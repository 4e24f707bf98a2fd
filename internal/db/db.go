// Package db stores the events a Staffetta deployment or simulation reports:
// deliveries at the sink, locally generated items, rendezvous, periodic node
// stats and round outcomes, grouped by run.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens the sqlite database at path and migrates it to the latest
// schema version.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// dsn applies the connection pragmas to every pooled connection.
func dsn(path string) string {
	pragmas := []string{
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// unixNow returns the current time as fractional unix seconds.
func unixNow() float64 {
	return unixSeconds(time.Now())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// Run is one gateway session or simulation.
type Run struct {
	ID      string
	Mode    string
	Nodes   int
	Note    string
	Started time.Time
	Ended   *time.Time
}

// StartRun creates a run and returns its identifier.
func (db *DB) StartRun(mode string, nodes int, note string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, mode, nodes, note, started_unix) VALUES (?, ?, ?, ?, ?)`,
		id, mode, nodes, note, unixNow(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// EndRun marks a run finished.
func (db *DB) EndRun(runID string) error {
	res, err := db.Exec(`UPDATE runs SET ended_unix = ? WHERE run_id = ?`, unixNow(), runID)
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Runs returns the most recent runs first.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT run_id, mode, nodes, note, started_unix, ended_unix
		   FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Nodes, &r.Note, &started, &ended); err != nil {
			return nil, err
		}
		r.Started = fromUnix(started)
		if ended.Valid {
			t := fromUnix(ended.Float64)
			r.Ended = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the identifier of the most recently started run, or ""
// when there are none.
func (db *DB) LatestRun() (string, error) {
	var id string
	err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_unix DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
