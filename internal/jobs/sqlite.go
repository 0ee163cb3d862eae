package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite ドライバー登録
)

// SQLiteStore はローカル共有ファイルに基づく Store 実装です。
// 同一ホスト上の全プロセスが1つのDBファイルを共有し、プロセス間の
// 排他は SQLite 自身のファイルロック（WAL + busy_timeout）に委ねます。
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	deployment_id TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT '',
	input_path    TEXT NOT NULL DEFAULT '',
	submitted_at  TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT,
	worker_pid    INTEGER NOT NULL DEFAULT 0,
	result_json   TEXT,
	logs_json     TEXT,
	error_kind    TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);
`

// OpenSQLiteStore はDBファイルを開き、スキーマを初期化します。
// トランザクションは即時に書き込みロックを取るため、同じ行への
// read-modify-write が複数プロセス間で直列化されます。
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(30000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storeErr("init schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return storeErr("create", fmt.Errorf("record id is required"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("create: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	// INSERT OR IGNORE 相当を明示的に行い、ドライバー固有の
	// 制約違反エラー判定に依存しない。
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, record.ID).Scan(&exists)
	if err != nil {
		return storeErr("create: check id", err)
	}
	if exists > 0 {
		return ErrConflict
	}

	cols, err := recordToColumns(record)
	if err != nil {
		return storeErr("create: encode", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (
			id, deployment_id, status, filename, input_path,
			submitted_at, started_at, finished_at, worker_pid,
			result_json, logs_json, error_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, cols.deploymentID, cols.status, cols.filename, cols.inputPath,
		cols.submittedAt, cols.startedAt, cols.finishedAt, cols.workerPID,
		cols.resultJSON, cols.logsJSON, cols.errorKind, cols.errorMessage,
	)
	if err != nil {
		return storeErr("create: insert", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("create: commit", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecordQuery+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return record, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("update: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectRecordQuery+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("update: select", err)
	}

	if err := mutate(record); err != nil {
		return nil, err
	}

	cols, err := recordToColumns(record)
	if err != nil {
		return nil, storeErr("update: encode", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
			status = ?, filename = ?, input_path = ?,
			started_at = ?, finished_at = ?, worker_pid = ?,
			result_json = ?, logs_json = ?, error_kind = ?, error_message = ?
		WHERE id = ?`,
		cols.status, cols.filename, cols.inputPath,
		cols.startedAt, cols.finishedAt, cols.workerPID,
		cols.resultJSON, cols.logsJSON, cols.errorKind, cols.errorMessage,
		id,
	)
	if err != nil {
		return nil, storeErr("update: write", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("update: commit", err)
	}
	return record, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecordQuery+` ORDER BY submitted_at ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("list: scan", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return records, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectRecordQuery = `SELECT
	id, deployment_id, status, filename, input_path,
	submitted_at, started_at, finished_at, worker_pid,
	result_json, logs_json, error_kind, error_message
	FROM jobs`

type recordColumns struct {
	deploymentID string
	status       string
	filename     string
	inputPath    string
	submittedAt  string
	startedAt    sql.NullString
	finishedAt   sql.NullString
	workerPID    int
	resultJSON   sql.NullString
	logsJSON     sql.NullString
	errorKind    sql.NullString
	errorMessage sql.NullString
}

func recordToColumns(record *Record) (*recordColumns, error) {
	cols := &recordColumns{
		deploymentID: record.DeploymentID,
		status:       string(record.Status),
		filename:     record.Filename,
		inputPath:    record.InputPath,
		submittedAt:  record.SubmittedAt.UTC().Format(time.RFC3339Nano),
		workerPID:    record.WorkerPID,
	}
	if record.StartedAt != nil {
		cols.startedAt = sql.NullString{String: record.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if record.FinishedAt != nil {
		cols.finishedAt = sql.NullString{String: record.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if record.Result != nil {
		data, err := json.Marshal(record.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		cols.resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	if len(record.Logs) > 0 {
		data, err := json.Marshal(record.Logs)
		if err != nil {
			return nil, fmt.Errorf("marshal logs: %w", err)
		}
		cols.logsJSON = sql.NullString{String: string(data), Valid: true}
	}
	if record.Error != nil {
		cols.errorKind = sql.NullString{String: record.Error.Kind, Valid: true}
		cols.errorMessage = sql.NullString{String: record.Error.Message, Valid: true}
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record Record
		status string
		cols   recordColumns
	)
	err := row.Scan(
		&record.ID, &record.DeploymentID, &status, &record.Filename, &record.InputPath,
		&cols.submittedAt, &cols.startedAt, &cols.finishedAt, &record.WorkerPID,
		&cols.resultJSON, &cols.logsJSON, &cols.errorKind, &cols.errorMessage,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)
	record.SubmittedAt, err = time.Parse(time.RFC3339Nano, cols.submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if cols.startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, cols.startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		record.StartedAt = &t
	}
	if cols.finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, cols.finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		record.FinishedAt = &t
	}
	if cols.resultJSON.Valid && cols.resultJSON.String != "" {
		if err := json.Unmarshal([]byte(cols.resultJSON.String), &record.Result); err != nil {
			return nil, fmt.Errorf("parse result: %w", err)
		}
	}
	if cols.logsJSON.Valid && cols.logsJSON.String != "" {
		if err := json.Unmarshal([]byte(cols.logsJSON.String), &record.Logs); err != nil {
			return nil, fmt.Errorf("parse logs: %w", err)
		}
	}
	if cols.errorKind.Valid || cols.errorMessage.Valid {
		record.Error = &ErrorInfo{
			Kind:    cols.errorKind.String,
			Message: cols.errorMessage.String,
		}
	}
	return &record, nil
}
