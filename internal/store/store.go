// Package store persists documents and evaluation records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lexeval/lexeval/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		upload_date DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'available'
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		documents TEXT NOT NULL DEFAULT '[]',
		test_mode INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		total_qcm INTEGER NOT NULL DEFAULT 0,
		completed_qcm INTEGER NOT NULL DEFAULT 0,
		qcm_list TEXT NOT NULL DEFAULT '[]',
		results TEXT,
		report_paths TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		start_time DATETIME NOT NULL,
		end_time DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDocument inserts or replaces a document record.
func (s *Store) SaveDocument(ctx context.Context, doc model.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, original_name, path, size, upload_date, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET original_name = ?, path = ?, size = ?, status = ?`,
		doc.ID, doc.OriginalName, doc.Path, doc.Size, doc.UploadDate, doc.Status,
		doc.OriginalName, doc.Path, doc.Size, doc.Status,
	)
	return err
}

// GetDocument returns a document by ID, or nil when it does not exist.
func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, original_name, path, size, upload_date, status FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.OriginalName, &doc.Path, &doc.Size, &doc.UploadDate, &doc.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_name, path, size, upload_date, status FROM documents ORDER BY upload_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		var doc model.Document
		if err := rows.Scan(&doc.ID, &doc.OriginalName, &doc.Path, &doc.Size, &doc.UploadDate, &doc.Status); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document record.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// SaveEvaluation inserts or replaces an evaluation record. The QCM list,
// results, and report paths are stored as JSON columns.
func (s *Store) SaveEvaluation(ctx context.Context, ev *model.Evaluation) error {
	documents, err := json.Marshal(ev.Documents)
	if err != nil {
		return fmt.Errorf("encode documents: %w", err)
	}
	qcmList, err := json.Marshal(ev.QCMList)
	if err != nil {
		return fmt.Errorf("encode qcm list: %w", err)
	}
	reportPaths, err := json.Marshal(ev.ReportPaths)
	if err != nil {
		return fmt.Errorf("encode report paths: %w", err)
	}

	var results any
	if ev.Results != nil {
		raw, err := json.Marshal(ev.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		results = string(raw)
	}

	var endTime any
	if ev.EndTime != nil {
		endTime = *ev.EndTime
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations
		 (id, documents, test_mode, status, progress, total_qcm, completed_qcm, qcm_list, results, report_paths, error, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 status = ?, progress = ?, total_qcm = ?, completed_qcm = ?, qcm_list = ?, results = ?, report_paths = ?, error = ?, end_time = ?`,
		ev.ID, string(documents), ev.TestMode, ev.Status, ev.Progress, ev.TotalQCM, ev.CompletedQCM,
		string(qcmList), results, string(reportPaths), ev.Error, ev.StartTime, endTime,
		ev.Status, ev.Progress, ev.TotalQCM, ev.CompletedQCM, string(qcmList), results, string(reportPaths), ev.Error, endTime,
	)
	return err
}

// GetEvaluation returns an evaluation by ID, or nil when it does not exist.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, documents, test_mode, status, progress, total_qcm, completed_qcm, qcm_list, results, report_paths, error, start_time, end_time
		 FROM evaluations WHERE id = ?`, id)
	ev, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvaluations returns all evaluations, newest first.
func (s *Store) ListEvaluations(ctx context.Context) ([]model.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, documents, test_mode, status, progress, total_qcm, completed_qcm, qcm_list, results, report_paths, error, start_time, end_time
		 FROM evaluations ORDER BY start_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []model.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, *ev)
	}
	return evals, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scanner) (*model.Evaluation, error) {
	var (
		ev          model.Evaluation
		documents   string
		qcmList     string
		results     sql.NullString
		reportPaths string
		endTime     sql.NullTime
	)
	err := row.Scan(&ev.ID, &documents, &ev.TestMode, &ev.Status, &ev.Progress,
		&ev.TotalQCM, &ev.CompletedQCM, &qcmList, &results, &reportPaths, &ev.Error,
		&ev.StartTime, &endTime)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(documents), &ev.Documents); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	if err := json.Unmarshal([]byte(qcmList), &ev.QCMList); err != nil {
		return nil, fmt.Errorf("decode qcm list: %w", err)
	}
	if err := json.Unmarshal([]byte(reportPaths), &ev.ReportPaths); err != nil {
		return nil, fmt.Errorf("decode report paths: %w", err)
	}
	if results.Valid {
		ev.Results = &model.EvaluationResults{}
		if err := json.Unmarshal([]byte(results.String), ev.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if endTime.Valid {
		t := endTime.Time
		ev.EndTime = &t
	}
	return &ev, nil
}

// EvaluationCount returns the number of stored evaluations.
func (s *Store) EvaluationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&count)
	return count, err
}
