package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is one append-only structured log line attached to a job.
type LogEntry struct {
	JobID   string         `json:"job_id"`
	At      time.Time      `json:"at"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// AppendLog records a structured log entry for a job. Log rows are never
// updated or deleted except by the document cascade delete.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string, fields map[string]any) error {
	var fieldsJSON sql.NullString
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("jobq: append log: marshal fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_job_logs (job_id, ts, level, message, fields)
		VALUES (?,?,?,?,?)`,
		jobID, s.opts.Now().UnixMilli(), level, message, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("jobq: append log: %w", err)
	}
	return nil
}

// record appends a transition log entry, best-effort. A transition must never
// fail on a log write; errors go to slog instead.
func (s *Store) record(ctx context.Context, jobID, level, message string, fields map[string]any) {
	if err := s.AppendLog(ctx, jobID, level, message, fields); err != nil {
		s.opts.Logger.Warn("jobq: transition log write failed", "job_id", jobID, "error", err)
	}
}

// Logs returns a job's log entries in append order.
func (s *Store) Logs(ctx context.Context, jobID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, ts, level, message, fields
		FROM pipeline_job_logs WHERE job_id = ? ORDER BY ts ASC, log_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobq: logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		var fieldsJSON sql.NullString
		if err := rows.Scan(&e.JobID, &ts, &e.Level, &e.Message, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("jobq: logs: %w", err)
		}
		e.At = time.UnixMilli(ts)
		if fieldsJSON.Valid {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("jobq: logs: unmarshal fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
