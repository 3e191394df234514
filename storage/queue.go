package storage

import (
	"database/sql"
	"errors"
	"time"

	"prism-sync/domain"
)

const queueColumns = `seq, op_id, entity_type, entity_id, payload, created_at, attempts, status, next_retry_at, last_error`

func scanEntry(row interface{ Scan(...any) error }) (domain.SyncQueueEntry, error) {
	var (
		e                    domain.SyncQueueEntry
		kind, status         string
		createdAt, nextRetry int64
	)
	err := row.Scan(&e.Seq, &e.OpID, &kind, &e.EntityID, &e.Payload, &createdAt, &e.Attempts, &status, &nextRetry, &e.LastError)
	if err != nil {
		return e, err
	}
	e.EntityType = domain.EntityType(kind)
	e.Status = domain.QueueStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.NextRetryAt = fromNanos(nextRetry)
	return e, nil
}

func (t *Tx) entries(q string, args ...any) ([]domain.SyncQueueEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, storageErr("queue", err)
	}
	defer rows.Close()
	var out []domain.SyncQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("queue", err)
		}
		out = append(out, e)
	}
	return out, storageErr("queue", rows.Err())
}

// EnqueueOrCoalesce queues e behind earlier mutations of the same entity. A
// newer mutation replaces the payload of a queued entry that has not been
// handed to the remote store yet instead of being appended; coalesced
// reports whether that happened. The stored entry is returned.
func (t *Tx) EnqueueOrCoalesce(e domain.SyncQueueEntry) (stored domain.SyncQueueEntry, coalesced bool, err error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+queueColumns+` FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? ORDER BY seq DESC LIMIT 1`, string(e.EntityType), e.EntityID)
	last, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return e, false, storageErr("enqueue", err)
	case last.Status == domain.StatusPending || last.Status == domain.StatusFailed:
		last.OpID = e.OpID
		last.Payload = e.Payload
		last.Status = domain.StatusPending
		last.Attempts = 0
		last.NextRetryAt = time.Time{}
		last.LastError = ""
		_, err := t.tx.ExecContext(t.ctx, `UPDATE sync_queue
			SET op_id = ?, payload = ?, status = ?, attempts = 0, next_retry_at = 0, last_error = '' WHERE seq = ?`,
			last.OpID, last.Payload, string(last.Status), last.Seq)
		if err != nil {
			return e, false, storageErr("coalesce", err)
		}
		return last, true, nil
	}

	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO sync_queue
		(op_id, entity_type, entity_id, payload, created_at, attempts, status, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OpID, string(e.EntityType), e.EntityID, e.Payload, nanos(e.CreatedAt), e.Attempts, string(e.Status), nanos(e.NextRetryAt), e.LastError)
	if err != nil {
		return e, false, storageErr("enqueue", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return e, false, storageErr("enqueue", err)
	}
	return e, false, nil
}

// PendingHeads returns, for each entity, its oldest queued entry when that
// entry is pending and due at now. Entities whose head is in flight or failed
// are skipped so per-entity order is preserved.
func (t *Tx) PendingHeads(now time.Time) ([]domain.SyncQueueEntry, error) {
	return t.entries(`SELECT `+queueColumns+` FROM sync_queue q
		WHERE q.seq = (SELECT MIN(seq) FROM sync_queue WHERE entity_type = q.entity_type AND entity_id = q.entity_id)
		AND q.status = ? AND q.next_retry_at <= ?
		ORDER BY q.seq`, string(domain.StatusPending), nanos(now))
}

// EntriesFor returns the queued entries of one entity in submission order.
func (t *Tx) EntriesFor(kind domain.EntityType, id string) ([]domain.SyncQueueEntry, error) {
	return t.entries(`SELECT `+queueColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY seq`,
		string(kind), id)
}

// UpdateEntry persists the retry state of an entry.
func (t *Tx) UpdateEntry(e domain.SyncQueueEntry) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE sync_queue
		SET payload = ?, attempts = ?, status = ?, next_retry_at = ?, last_error = ? WHERE seq = ?`,
		e.Payload, e.Attempts, string(e.Status), nanos(e.NextRetryAt), e.LastError, e.Seq)
	return storageErr("queue update", err)
}

// DeleteEntry removes a settled entry.
func (t *Tx) DeleteEntry(seq int64) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq)
	return storageErr("queue delete", err)
}

// DeleteEntriesFor drops every queued mutation of an entity and returns how
// many were removed.
func (t *Tx) DeleteEntriesFor(kind domain.EntityType, id string) (int, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, string(kind), id)
	if err != nil {
		return 0, storageErr("queue delete", err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr("queue delete", err)
}

// ResetFailed returns failed entries to pending with a fresh attempt budget.
func (t *Tx) ResetFailed() (int, error) { return t.resetStatus(domain.StatusFailed) }

// ResetInFlight returns entries left in flight by an interrupted drain to
// pending. Their attempt counts are kept.
func (t *Tx) ResetInFlight() (int, error) {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE sync_queue SET status = ? WHERE status = ?`,
		string(domain.StatusPending), string(domain.StatusInFlight))
	if err != nil {
		return 0, storageErr("queue reset", err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr("queue reset", err)
}

func (t *Tx) resetStatus(from domain.QueueStatus) (int, error) {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE sync_queue
		SET status = ?, attempts = 0, next_retry_at = 0 WHERE status = ?`, string(domain.StatusPending), string(from))
	if err != nil {
		return 0, storageErr("queue reset", err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr("queue reset", err)
}

// QueueStats counts queued entries by status.
func (t *Tx) QueueStats() (domain.QueueStats, error) {
	var st domain.QueueStats
	rows, err := t.tx.QueryContext(t.ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return st, storageErr("queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, storageErr("queue stats", err)
		}
		switch domain.QueueStatus(status) {
		case domain.StatusPending:
			st.Pending = n
		case domain.StatusInFlight:
			st.InFlight = n
		case domain.StatusFailed:
			st.Failed = n
		}
	}
	return st, storageErr("queue stats", rows.Err())
}
