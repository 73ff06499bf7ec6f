// Package journal records every issued stage command and every planned
// trajectory run in a local SQLite database.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the journal database at path.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS movement_commands (
			command_id        TEXT PRIMARY KEY,
			run_id            TEXT,
			stage_identifier  TEXT,
			frame             TEXT,
			kind              TEXT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			wait_for_stopping BOOLEAN,
			issued_at         BIGINT
		);
		CREATE TABLE IF NOT EXISTS trajectory_runs (
			run_id            TEXT PRIMARY KEY,
			planner           TEXT,
			stage_count       BIGINT,
			steps             BIGINT,
			outcome           TEXT,
			started_at        BIGINT,
			finished_at       BIGINT
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Command is one issued stage movement.
type Command struct {
	CommandID       string
	RunID           string
	StageIdentifier string
	Frame           string
	Kind            string
	X, Y, Z         float64
	WaitForStopping bool
	IssuedAt        time.Time
}

// Run is one planned trajectory execution.
type Run struct {
	RunID      string
	Planner    string
	StageCount int
	Steps      int
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordCommand stores one issued command and returns its generated id.
// RunID may be empty for moves issued outside a planned trajectory.
func (db *DB) RecordCommand(runID, stageIdentifier, frame, kind string, x, y, z float64, waitForStopping bool) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO movement_commands
			(command_id, run_id, stage_identifier, frame, kind, x, y, z, wait_for_stopping, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, stageIdentifier, frame, kind, x, y, z, waitForStopping, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to record command for %s: %w", stageIdentifier, err)
	}
	return id, nil
}

// StartRun opens a trajectory run and returns its generated id.
func (db *DB) StartRun(planner string, stageCount int) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO trajectory_runs (run_id, planner, stage_count, steps, outcome, started_at)
		VALUES (?, ?, ?, 0, 'running', ?)`,
		id, planner, stageCount, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun closes a trajectory run with its step count and outcome.
func (db *DB) FinishRun(runID string, steps int, outcome string) error {
	_, err := db.Exec(`
		UPDATE trajectory_runs
		SET steps = ?, outcome = ?, finished_at = ?
		WHERE run_id = ?`,
		steps, outcome, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// RecentCommands returns up to limit commands, newest first.
func (db *DB) RecentCommands(limit int) ([]Command, error) {
	rows, err := db.Query(`
		SELECT command_id, run_id, stage_identifier, frame, kind, x, y, z, wait_for_stopping, issued_at
		FROM movement_commands
		ORDER BY issued_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		var c Command
		var issuedAtUnix int64
		if err := rows.Scan(&c.CommandID, &c.RunID, &c.StageIdentifier, &c.Frame, &c.Kind,
			&c.X, &c.Y, &c.Z, &c.WaitForStopping, &issuedAtUnix); err != nil {
			return nil, err
		}
		c.IssuedAt = time.Unix(issuedAtUnix, 0)
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// Runs returns up to limit trajectory runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, planner, stage_count, steps, outcome, started_at, COALESCE(finished_at, started_at)
		FROM trajectory_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAtUnix, finishedAtUnix int64
		if err := rows.Scan(&r.RunID, &r.Planner, &r.StageCount, &r.Steps, &r.Outcome,
			&startedAtUnix, &finishedAtUnix); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(startedAtUnix, 0)
		r.FinishedAt = time.Unix(finishedAtUnix, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CommandCountForRun reports how many commands were recorded for a run.
func (db *DB) CommandCountForRun(runID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM movement_commands WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
