package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"opflow/contract"
)

// OperatorStatus 算子运行状态
type OperatorStatus string

const (
	StatusPending OperatorStatus = "pending"
	StatusRunning OperatorStatus = "running"
	StatusSuccess OperatorStatus = "success"
	StatusError   OperatorStatus = "error"
)

// InterruptedRunInfo is the run info of an operator whose process exited
// while it was running.
const InterruptedRunInfo = "interrupted"

// Terminal reports whether the status ends an invocation.
func (s OperatorStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Operator 流水线算子
type Operator struct {
	ID        string         `json:"id"`
	TypeID    int            `json:"operator_type_id"`
	ParentIDs []string       `json:"father_operator_ids"`
	Config    string         `json:"operator_config"`
	ProjectID string         `json:"project_id,omitempty"`
	Status    OperatorStatus `json:"status"`
	ResultURL string         `json:"result_url"`
	RunInfo   string         `json:"run_info"`
	Attempt   int            `json:"attempt"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OperatorUpdate is the terminal write of an invocation.
type OperatorUpdate struct {
	Status    OperatorStatus
	ResultURL string
	RunInfo   string
}

// RunRecord 运行审计记录
type RunRecord struct {
	ID         int64          `json:"id"`
	OperatorID string         `json:"operator_id"`
	Attempt    int            `json:"attempt"`
	Kind       string         `json:"kind"`
	Family     string         `json:"family"`
	Status     OperatorStatus `json:"status"`
	ResultURL  string         `json:"result_url"`
	RunInfo    string         `json:"run_info"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Store is the sqlite-backed operator storage.
type Store struct {
	database *sql.DB
}

// InitDB opens the sqlite database at path and creates the schema.
func InitDB(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection keeps claims serialized.
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS operators (
        id TEXT PRIMARY KEY,
        operator_type_id INTEGER NOT NULL,
        father_operator_ids TEXT NOT NULL DEFAULT '',
        operator_config TEXT NOT NULL DEFAULT '{}',
        project_id TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'pending',
        result_url TEXT NOT NULL DEFAULT '',
        run_info TEXT NOT NULL DEFAULT '',
        attempt INTEGER NOT NULL DEFAULT 0,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE TABLE IF NOT EXISTS run_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        operator_id TEXT NOT NULL,
        attempt INTEGER NOT NULL,
        kind TEXT NOT NULL,
        family TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        result_url TEXT NOT NULL DEFAULT '',
        run_info TEXT NOT NULL DEFAULT '',
        started_at DATETIME NOT NULL,
        finished_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_run_log_operator ON run_log(operator_id, id);
    CREATE TABLE IF NOT EXISTS projects (
        id TEXT PRIMARY KEY,
        data_dir TEXT NOT NULL
    );
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, err
	}
	return &Store{database: database}, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// CreateOperator inserts an operator, or updates the definition of an
// existing one. Run state (status, result, attempt) of an existing operator
// is never touched, so re-registering cannot reset a running operator.
func (s *Store) CreateOperator(ctx context.Context, op Operator) error {
	if op.ID == "" {
		return errors.New("operator id required")
	}
	if op.Status == "" {
		op.Status = StatusPending
	}
	if op.Config == "" {
		op.Config = "{}"
	}
	_, err := s.database.ExecContext(ctx, `
        INSERT INTO operators (
            id, operator_type_id, father_operator_ids, operator_config, project_id,
            status, result_url, run_info, attempt, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            operator_type_id = excluded.operator_type_id,
            father_operator_ids = excluded.father_operator_ids,
            operator_config = excluded.operator_config,
            project_id = excluded.project_id,
            updated_at = excluded.updated_at`,
		op.ID, op.TypeID, strings.Join(op.ParentIDs, ","), op.Config, op.ProjectID,
		string(op.Status), op.ResultURL, op.RunInfo, op.Attempt, time.Now().UTC())
	return err
}

// RecoverInterrupted marks operators left running by a previous process as
// failed and returns their ids. Call it once at startup, before any run.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM operators WHERE status = ? ORDER BY id`, string(StatusRunning))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.database.ExecContext(ctx, `
        UPDATE operators
        SET status = ?, result_url = '', run_info = ?, updated_at = ?
        WHERE status = ?`,
		string(StatusError), InterruptedRunInfo, time.Now().UTC(), string(StatusRunning))
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetOperatorByID 查询算子
func (s *Store) GetOperatorByID(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	var parents, status string
	err := s.database.QueryRowContext(ctx, `
        SELECT id, operator_type_id, father_operator_ids, operator_config, project_id,
               status, result_url, run_info, attempt, updated_at
        FROM operators
        WHERE id = ?`, id).Scan(&op.ID, &op.TypeID, &parents, &op.Config, &op.ProjectID,
		&status, &op.ResultURL, &op.RunInfo, &op.Attempt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contract.NewErrorf(contract.OperatorNotFound, "operator %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	op.ParentIDs = ParseParentIDs(parents)
	op.Status = OperatorStatus(status)
	return &op, nil
}

// ClaimOperator moves an operator to running and starts a new attempt. It
// fails with OperatorBusy when the operator is already running, so only one
// caller wins a concurrent claim.
func (s *Store) ClaimOperator(ctx context.Context, id string) (int, error) {
	res, err := s.database.ExecContext(ctx, `
        UPDATE operators
        SET status = ?, result_url = '', run_info = '', attempt = attempt + 1, updated_at = ?
        WHERE id = ? AND status != ?`,
		string(StatusRunning), time.Now().UTC(), id, string(StatusRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	op, err := s.GetOperatorByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, contract.NewErrorf(contract.OperatorBusy, "operator %s is already running (attempt %d)", id, op.Attempt)
	}
	return op.Attempt, nil
}

// UpdateOperatorByID 写入算子运行结果
func (s *Store) UpdateOperatorByID(ctx context.Context, id string, update OperatorUpdate) error {
	res, err := s.database.ExecContext(ctx, `
        UPDATE operators
        SET status = ?, result_url = ?, run_info = ?, updated_at = ?
        WHERE id = ?`,
		string(update.Status), update.ResultURL, update.RunInfo, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contract.NewErrorf(contract.OperatorNotFound, "operator %s not found", id)
	}
	return nil
}

// AppendRunRecord 写入运行审计记录
func (s *Store) AppendRunRecord(ctx context.Context, rec RunRecord) (int64, error) {
	res, err := s.database.ExecContext(ctx, `
        INSERT INTO run_log (
            operator_id, attempt, kind, family, status, result_url, run_info, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OperatorID, rec.Attempt, rec.Kind, rec.Family, string(rec.Status),
		rec.ResultURL, rec.RunInfo, rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListRunRecords returns an operator's run records, newest first.
func (s *Store) ListRunRecords(ctx context.Context, operatorID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT id, operator_id, attempt, kind, family, status, result_url, run_info, started_at, finished_at
        FROM run_log
        WHERE operator_id = ?
        ORDER BY id DESC
        LIMIT ?`, operatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]RunRecord, 0)
	for rows.Next() {
		var rec RunRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.OperatorID, &rec.Attempt, &rec.Kind, &rec.Family, &status,
			&rec.ResultURL, &rec.RunInfo, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Status = OperatorStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveProject registers the directory holding a project's current dataset.
func (s *Store) SaveProject(ctx context.Context, projectID, dataDir string) error {
	_, err := s.database.ExecContext(ctx, `
        INSERT OR REPLACE INTO projects (id, data_dir) VALUES (?, ?)`, projectID, dataDir)
	return err
}

// CurrentDataURL resolves a project to the single CSV file in its data
// directory.
func (s *Store) CurrentDataURL(ctx context.Context, projectID string) (string, error) {
	var dir string
	err := s.database.QueryRowContext(ctx, `SELECT data_dir FROM projects WHERE id = ?`, projectID).Scan(&dir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", contract.NewErrorf(contract.DataSource, "project %s not found", projectID)
	}
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", contract.NewErrorWith(contract.DataSource, fmt.Sprintf("read project directory %s", dir), err)
	}
	var found []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			found = append(found, e.Name())
		}
	}
	if len(found) != 1 {
		return "", contract.NewErrorf(contract.DataSource, "project %s has %d csv files in %s, expected exactly one", projectID, len(found), dir)
	}
	abs, err := filepath.Abs(filepath.Join(dir, found[0]))
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

// ParseParentIDs splits the comma-joined parent list, dropping empty
// segments.
func ParseParentIDs(s string) []string {
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
