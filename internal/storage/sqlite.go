package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// unmarshalJSON unmarshals a non-critical JSON column, logging corruption
// instead of failing the whole query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	// Seeds are stored as decimal text: SQLite integers are signed.
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT DEFAULT 'running',
		seed TEXT NOT NULL,
		counts TEXT NOT NULL,
		config TEXT,
		dialect TEXT DEFAULT 'sim',
		nodes TEXT,
		dispatched INTEGER DEFAULT 0,
		last_index INTEGER DEFAULT -1,
		elapsed_ms INTEGER DEFAULT 0,
		truncated INTEGER DEFAULT 0,
		converged INTEGER DEFAULT 0,
		convergence TEXT,
		applied TEXT,
		noops TEXT,
		latency_stats TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS run_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		op_index INTEGER NOT NULL,
		op TEXT NOT NULL,
		outcome TEXT NOT NULL,
		settle INTEGER DEFAULT 0,
		duration_us INTEGER DEFAULT 0,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_ops_run ON run_ops(run_id, op_index);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "custom_name", "ALTER TABLE runs ADD COLUMN custom_name TEXT"},
		{"runs", "is_favorite", "ALTER TABLE runs ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed", "table", m.table, "column", m.column, "error", err.Error())
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table. Identifiers are
// validated because they are interpolated into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows alphanumeric characters and underscore only.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run that has just started.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	nodesJSON, _ := json.Marshal(run.Nodes)

	dialect := run.Dialect
	if dialect == "" {
		dialect = "sim"
	}
	status := run.Status
	if status == "" {
		status = types.StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, seed, counts, config, dialect, nodes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, status, strconv.FormatUint(run.Seed, 10),
		string(countsJSON), string(configJSON), dialect, string(nodesJSON))

	return err
}

// CompleteRun stores the final state of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	convergenceJSON, _ := json.Marshal(run.Convergence)
	appliedJSON, _ := json.Marshal(run.Applied)
	noopsJSON, _ := json.Marshal(run.Noops)
	latencyJSON, _ := json.Marshal(run.Latency)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			dispatched = ?,
			last_index = ?,
			elapsed_ms = ?,
			truncated = ?,
			converged = ?,
			convergence = ?,
			applied = ?,
			noops = ?,
			latency_stats = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, run.Status, run.Dispatched, run.LastIndex, run.ElapsedMs,
		run.Truncated, run.Converged, string(convergenceJSON), string(appliedJSON),
		string(noopsJSON), string(latencyJSON), nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return err
	}
	return expectRow(result, run.ID)
}

const runColumns = `
	id, started_at, completed_at, status, seed, counts, config, COALESCE(dialect, 'sim'), nodes,
	dispatched, last_index, elapsed_ms, truncated, converged,
	convergence, applied, noops, latency_stats, error_message,
	custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. It returns nil, nil when the run
// does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a page of runs, favorites first, then newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its operation log.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the custom name and/or favorite flag of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var sets []string
	var args []interface{}

	if update.CustomName != nil {
		sets = append(sets, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		sets = append(sets, "is_favorite = ?")
		args = append(args, *update.IsFavorite)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(result, id)
}

func expectRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// BulkInsertOps stores a run's operation log in one transaction.
func (s *SQLiteStorage) BulkInsertOps(ctx context.Context, runID string, ops []OpLogEntry) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_ops (run_id, op_index, op, outcome, settle, duration_us, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, op.Index, op.Op, op.Outcome, op.Settle, op.DurationUs, nullString(op.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOps returns a page of a run's operation log in dispatch order.
func (s *SQLiteStorage) GetOps(ctx context.Context, runID string, limit, offset int) (*PaginatedOps, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_ops WHERE run_id = ?", runID).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT op_index, op, outcome, settle, duration_us, error
		FROM run_ops
		WHERE run_id = ?
		ORDER BY op_index
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []OpLogEntry{}
	for rows.Next() {
		var e OpLogEntry
		var errMsg sql.NullString
		if err := rows.Scan(&e.Index, &e.Op, &e.Outcome, &e.Settle, &e.DurationUs, &errMsg); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		ops = append(ops, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedOps{
		Ops:    ops,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var seed, countsJSON string
	var configJSON, nodesJSON, convergenceJSON, appliedJSON, noopsJSON, latencyJSON sql.NullString
	var errorMsg, customName sql.NullString

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Status, &seed, &countsJSON,
		&configJSON, &run.Dialect, &nodesJSON,
		&run.Dispatched, &run.LastIndex, &run.ElapsedMs, &run.Truncated, &run.Converged,
		&convergenceJSON, &appliedJSON, &noopsJSON, &latencyJSON, &errorMsg,
		&customName, &run.IsFavorite)
	if err != nil {
		return nil, err
	}

	if run.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("run %s: bad seed %q: %w", run.ID, seed, err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	unmarshalJSON(countsJSON, &run.Counts, "counts", run.ID)
	if configJSON.Valid && configJSON.String != "null" {
		run.Config = &types.StartRunRequest{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}
	if nodesJSON.Valid {
		unmarshalJSON(nodesJSON.String, &run.Nodes, "nodes", run.ID)
	}
	if convergenceJSON.Valid {
		unmarshalJSON(convergenceJSON.String, &run.Convergence, "convergence", run.ID)
	}
	if appliedJSON.Valid {
		unmarshalJSON(appliedJSON.String, &run.Applied, "applied", run.ID)
	}
	if noopsJSON.Valid {
		unmarshalJSON(noopsJSON.String, &run.Noops, "noops", run.ID)
	}
	if latencyJSON.Valid && latencyJSON.String != "null" {
		run.Latency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.Latency, "latency_stats", run.ID)
	}
	run.ErrorMessage = errorMsg.String
	if customName.Valid {
		run.CustomName = &customName.String
	}

	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
