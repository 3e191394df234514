package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"prism-sync/domain"
)

// Tx is an open Local Store transaction.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Get loads a record or returns domain.ErrNotFound.
func (t *Tx) Get(kind domain.EntityType, id string) (domain.Record, error) {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT data FROM records WHERE entity_type = ? AND id = ?`, string(kind), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	rec, err := domain.DecodeRecord(kind, data)
	if err != nil {
		return nil, storageErr("decode", err)
	}
	return rec, nil
}

// GetTask loads a task or returns domain.ErrNotFound.
func (t *Tx) GetTask(id string) (*domain.Task, error) {
	rec, err := t.Get(domain.EntityTask, id)
	if err != nil {
		return nil, err
	}
	task, ok := rec.(*domain.Task)
	if !ok {
		return nil, wrapf("get", "record %s is %T, not a task", id, rec)
	}
	return task, nil
}

// GetBoard loads a board or returns domain.ErrNotFound.
func (t *Tx) GetBoard(id string) (*domain.Board, error) {
	rec, err := t.Get(domain.EntityBoard, id)
	if err != nil {
		return nil, err
	}
	board, ok := rec.(*domain.Board)
	if !ok {
		return nil, wrapf("get", "record %s is %T, not a board", id, rec)
	}
	return board, nil
}

// Put writes rec, overwriting by id. The remote acknowledgement watermark of
// an existing record is preserved.
func (t *Tx) Put(rec domain.Record) error {
	data, err := domain.EncodeRecord(rec)
	if err != nil {
		return storageErr("encode", err)
	}
	var (
		boardID      string
		tombstoned   bool
		tombstonedAt sql.NullInt64
	)
	if task, ok := rec.(*domain.Task); ok {
		boardID = task.BoardID
		tombstoned = task.Tombstoned
		if task.TombstonedAt != nil {
			tombstonedAt = sql.NullInt64{Int64: nanos(*task.TombstonedAt), Valid: true}
		}
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO records (entity_type, id, board_id, version, updated_at, tombstoned, tombstoned_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			board_id = excluded.board_id,
			version = excluded.version,
			updated_at = excluded.updated_at,
			tombstoned = excluded.tombstoned,
			tombstoned_at = excluded.tombstoned_at,
			data = excluded.data`,
		string(rec.EntityType()), rec.RecordID(), boardID, rec.RecordVersion(), nanos(rec.RecordUpdatedAt()),
		tombstoned, tombstonedAt, data)
	return storageErr("put", err)
}

// List returns every record of kind accepted by pred.
func (t *Tx) List(kind domain.EntityType, pred func(domain.Record) bool) ([]domain.Record, error) {
	return t.query(kind, `SELECT data FROM records WHERE entity_type = ? ORDER BY id`, pred, string(kind))
}

// TasksForBoard returns every task of a board, tombstones included.
func (t *Tx) TasksForBoard(boardID string) ([]*domain.Task, error) {
	recs, err := t.query(domain.EntityTask,
		`SELECT data FROM records WHERE entity_type = 'task' AND board_id = ? ORDER BY id`, nil, boardID)
	if err != nil {
		return nil, err
	}
	return tasksOf(recs), nil
}

// PurgeableTombstones returns tombstoned tasks deleted at or before cutoff
// whose tombstone version the remote store has acknowledged.
func (t *Tx) PurgeableTombstones(cutoff time.Time) ([]*domain.Task, error) {
	recs, err := t.query(domain.EntityTask, `
		SELECT data FROM records
		WHERE entity_type = 'task' AND tombstoned = 1 AND tombstoned_at <= ? AND synced_version >= version
		ORDER BY id`, nil, nanos(cutoff))
	if err != nil {
		return nil, err
	}
	return tasksOf(recs), nil
}

func (t *Tx) query(kind domain.EntityType, q string, pred func(domain.Record) bool, args ...any) ([]domain.Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("list", err)
		}
		rec, err := domain.DecodeRecord(kind, data)
		if err != nil {
			return nil, storageErr("decode", err)
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, storageErr("list", rows.Err())
}

func tasksOf(recs []domain.Record) []*domain.Task {
	out := make([]*domain.Task, 0, len(recs))
	for _, r := range recs {
		if task, ok := r.(*domain.Task); ok {
			out = append(out, task)
		}
	}
	return out
}

// DeleteRecord removes a record permanently.
func (t *Tx) DeleteRecord(kind domain.EntityType, id string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, string(kind), id)
	return storageErr("delete", err)
}

// MarkSynced records that the remote store acknowledged version of the record.
func (t *Tx) MarkSynced(kind domain.EntityType, id string, version int64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE records SET synced_version = MAX(synced_version, ?) WHERE entity_type = ? AND id = ?`,
		version, string(kind), id)
	return storageErr("mark synced", err)
}
