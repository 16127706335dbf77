// Package queue is the persistent FIFO of deferred work: it
// decouples slow provider calls from the synchronous write path without
// losing work across a restart.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// Stale claims (crashed workers) are recovered after this long.
const StaleClaimTimeout = 10 * time.Minute

// Retry backoff: min(BackoffBase * 2^(attempts-1), BackoffMax).
const (
	BackoffBase = 30 * time.Second
	BackoffMax  = time.Hour
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pending_tasks (
	id               TEXT PRIMARY KEY,
	doc_id           TEXT NOT NULL,
	task_kind        TEXT NOT NULL,
	payload          BLOB,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	enqueued_at      TEXT NOT NULL,
	claimed_by       TEXT,
	claim_expires_at TEXT,
	retry_after      TEXT,
	last_error       TEXT,
	status           TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_pending_tasks_status ON pending_tasks(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_pending_tasks_doc ON pending_tasks(doc_id);
`

const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusFailed     = "failed"
)

// Queue is a SQLite-backed durable work queue with claim/ack/nack
// semantics and per-doc serialization.
type Queue struct {
	conn        *sql.DB
	maxAttempts int
}

// Open opens (or creates) the queue database.
func Open(dsn string, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	return &Queue{conn: conn, maxAttempts: maxAttempts}, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error { return q.conn.Close() }

// Enqueue appends a task with attempts=0 and no claim.
func (q *Queue) Enqueue(docID string, kind types.TaskKind, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.conn.Exec(`
		INSERT INTO pending_tasks (id, doc_id, task_kind, payload, attempts, max_attempts, enqueued_at, status)
		VALUES (?, ?, ?, ?, 0, ?, ?, 'pending')
	`, id, docID, string(kind), payload, q.maxAttempts, types.FormatTime(types.Now()))
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageFailure, err, "enqueue task")
	}
	return id, nil
}

func (q *Queue) recoverStaleClaims() error {
	cutoff := types.FormatTime(types.Now())
	_, err := q.conn.Exec(`
		UPDATE pending_tasks
		SET status = 'pending', claimed_by = NULL, claim_expires_at = NULL
		WHERE status = 'processing' AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?
	`, cutoff)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "recover stale claims")
	}
	return nil
}

// Claim atomically claims up to limit pending tasks, skipping any doc_id
// already claimed by another worker and any
// task whose retry backoff has not yet elapsed. claimID identifies this
// worker so its claims can be distinguished (and released on shutdown).
func (q *Queue) Claim(claimID string, limit int) ([]types.PendingTask, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := q.recoverStaleClaims(); err != nil {
		return nil, err
	}

	tx, err := q.conn.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := types.Now()
	nowStr := types.FormatTime(now)

	rows, err := tx.Query(`
		SELECT id, doc_id, task_kind, payload, attempts, enqueued_at, last_error
		FROM pending_tasks
		WHERE status = 'pending'
		  AND (retry_after IS NULL OR retry_after <= ?)
		  AND doc_id NOT IN (SELECT doc_id FROM pending_tasks WHERE status = 'processing')
		ORDER BY enqueued_at ASC
		LIMIT ?
	`, nowStr, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "select claimable tasks")
	}
	var claimed []types.PendingTask
	seenDocs := map[string]bool{}
	for rows.Next() {
		var (
			t            types.PendingTask
			kind         string
			enqueuedAt   string
			lastError    sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.DocID, &kind, &t.Payload, &t.Attempts, &enqueuedAt, &lastError); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.KindStorageFailure, err, "scan task")
		}
		if seenDocs[t.DocID] {
			continue // per-doc serialization within this claim batch too
		}
		seenDocs[t.DocID] = true
		t.Kind = types.TaskKind(kind)
		t.LastError = lastError.String
		if t.EnqueuedAt, err = types.ParseTime(enqueuedAt); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.KindStorageFailure, err, "parse enqueued_at")
		}
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "iterate tasks")
	}

	expires := now.Add(StaleClaimTimeout)
	expiresStr := types.FormatTime(expires)
	won := claimed[:0]
	for i := range claimed {
		res, err := tx.Exec(`
			UPDATE pending_tasks
			SET status = 'processing', claimed_by = ?, claim_expires_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = 'pending'
		`, claimID, expiresStr, claimed[i].ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, err, "claim task")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost the race to another worker
		}
		claimed[i].Attempts++
		claimed[i].ClaimExpiresAt = &expires
		won = append(won, claimed[i])
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return won, nil
}

// Ack deletes a task after successful processing.
func (q *Queue) Ack(taskID string) error {
	if _, err := q.conn.Exec(`DELETE FROM pending_tasks WHERE id = ?`, taskID); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "ack task")
	}
	return nil
}

// Nack clears a task's claim; if attempts have reached max_attempts it is
// dead-lettered instead of retried. Returns whether the task
// was dead-lettered.
func (q *Queue) Nack(taskID, errMsg string) (deadLettered bool, err error) {
	var attempts, maxAttempts int
	row := q.conn.QueryRow(`SELECT attempts, max_attempts FROM pending_tasks WHERE id = ?`, taskID)
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		return false, apperr.NotFound("task %q not found", taskID)
	}

	if attempts >= maxAttempts {
		_, err := q.conn.Exec(`
			UPDATE pending_tasks SET status = 'failed', claimed_by = NULL, claim_expires_at = NULL, last_error = ?
			WHERE id = ?
		`, errMsg, taskID)
		if err != nil {
			return false, apperr.Wrap(apperr.KindStorageFailure, err, "dead-letter task")
		}
		return true, nil
	}

	delay := backoffDelay(attempts)
	retryAfter := types.FormatTime(types.Now().Add(delay))
	_, err = q.conn.Exec(`
		UPDATE pending_tasks
		SET status = 'pending', claimed_by = NULL, claim_expires_at = NULL, last_error = ?, retry_after = ?
		WHERE id = ?
	`, errMsg, retryAfter, taskID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, err, "nack task")
	}
	return false, nil
}

func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= BackoffMax {
			return BackoffMax
		}
	}
	return delay
}

// FailedTask describes a dead-lettered task for ListFailed.
type FailedTask struct {
	ID         string
	DocID      string
	Kind       types.TaskKind
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// ListFailed lists dead-lettered tasks, oldest first — a supplemented
// operability feature on top of the `_error` tag surfacing.
func (q *Queue) ListFailed() ([]FailedTask, error) {
	rows, err := q.conn.Query(`
		SELECT id, doc_id, task_kind, attempts, last_error, enqueued_at
		FROM pending_tasks WHERE status = 'failed' ORDER BY enqueued_at ASC
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "list failed")
	}
	defer rows.Close()
	var out []FailedTask
	for rows.Next() {
		var (
			t          FailedTask
			kind       string
			lastError  sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&t.ID, &t.DocID, &kind, &t.Attempts, &lastError, &enqueuedAt); err != nil {
			return nil, err
		}
		t.Kind = types.TaskKind(kind)
		t.LastError = lastError.String
		if t.EnqueuedAt, err = types.ParseTime(enqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RetryFailed resets every dead-lettered task back to pending with a
// cleared attempt counter, returning the count reset.
func (q *Queue) RetryFailed() (int, error) {
	res, err := q.conn.Exec(`
		UPDATE pending_tasks
		SET status = 'pending', attempts = 0, claimed_by = NULL, claim_expires_at = NULL,
		    last_error = NULL, retry_after = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, err, "retry failed")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Status reports the oldest task recorded for a doc (pending, processing
// or dead-lettered), or nil if the queue holds none.
func (q *Queue) Status(docID string) (*types.PendingTask, error) {
	row := q.conn.QueryRow(`
		SELECT id, doc_id, task_kind, attempts, enqueued_at, status
		FROM pending_tasks WHERE doc_id = ? ORDER BY enqueued_at ASC LIMIT 1
	`, docID)
	var (
		t          types.PendingTask
		kind       string
		enqueuedAt string
		status     string
	)
	if err := row.Scan(&t.ID, &t.DocID, &kind, &t.Attempts, &enqueuedAt, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "queue status")
	}
	t.Kind = types.TaskKind(kind)
	var err error
	if t.EnqueuedAt, err = types.ParseTime(enqueuedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodePayload is a small convenience wrapper for JSON task payloads.
func EncodePayload(v any) ([]byte, error) { return json.Marshal(v) }

// DecodePayload decodes a JSON task payload into v.
func DecodePayload(data []byte, v any) error { return json.Unmarshal(data, v) }
