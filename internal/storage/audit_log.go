package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"sentinelcore/internal/planmodel"
)

// AuditEntry is the durable row shape for one planmodel.ActionRecord, keyed
// by the task that produced it.
type AuditEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	ActionKind string    `json:"action_kind"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	Threat     string    `json:"threat"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendAuditRecord durably persists one Permission Guard decision.
func (db *DB) AppendAuditRecord(taskID string, rec planmodel.ActionRecord) (*AuditEntry, error) {
	id := uuid.New().String()

	_, err := db.Exec(
		"INSERT INTO audit_records (id, task_id, action_kind, allowed, reason, threat, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, taskID, string(rec.ActionKind), rec.Allowed, rec.Reason, string(rec.Threat), rec.TS,
	)
	if err != nil {
		return nil, err
	}

	return &AuditEntry{
		ID:         id,
		TaskID:     taskID,
		ActionKind: string(rec.ActionKind),
		Allowed:    rec.Allowed,
		Reason:     rec.Reason,
		Threat:     string(rec.Threat),
		CreatedAt:  rec.TS,
	}, nil
}

// ListAuditRecords returns taskID's audit trail, newest first. limit<=0
// means unbounded.
func (db *DB) ListAuditRecords(taskID string, limit int) ([]*AuditEntry, error) {
	query := "SELECT id, task_id, action_kind, allowed, reason, threat, created_at FROM audit_records WHERE task_id = ? ORDER BY created_at DESC"
	args := []any{taskID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ActionKind, &e.Allowed, &reason, &e.Threat, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// ListAllAuditRecords returns every recorded decision across all tasks,
// newest first, for the `dump-audit` CLI operation. limit<=0 means
// unbounded.
func (db *DB) ListAllAuditRecords(limit int) ([]*AuditEntry, error) {
	query := "SELECT id, task_id, action_kind, allowed, reason, threat, created_at FROM audit_records ORDER BY created_at DESC"
	var args []any

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ActionKind, &e.Allowed, &reason, &e.Threat, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// CountAuditRecords returns the number of recorded decisions for a task.
func (db *DB) CountAuditRecords(taskID string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM audit_records WHERE task_id = ?", taskID).Scan(&count)
	return count, err
}

// GetAuditRecord fetches a single entry by id.
func (db *DB) GetAuditRecord(id string) (*AuditEntry, error) {
	var e AuditEntry
	var reason sql.NullString

	err := db.QueryRow(
		"SELECT id, task_id, action_kind, allowed, reason, threat, created_at FROM audit_records WHERE id = ?",
		id,
	).Scan(&e.ID, &e.TaskID, &e.ActionKind, &e.Allowed, &reason, &e.Threat, &e.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Reason = reason.String
	return &e, nil
}

// PurgeAuditRecordsBefore deletes entries older than cutoff, for operators
// who want to bound disk use independently of the in-memory ring's cap.
func (db *DB) PurgeAuditRecordsBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM audit_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
