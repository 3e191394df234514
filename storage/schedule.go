package storage

import (
	"database/sql"
	"errors"

	"prism-sync/domain"
)

const scheduleColumns = `task_id, board_id, fire_at, dispatched, superseded_version`

func scanSchedule(row interface{ Scan(...any) error }) (domain.ScheduledNotification, error) {
	var (
		n      domain.ScheduledNotification
		fireAt int64
	)
	if err := row.Scan(&n.TaskID, &n.BoardID, &fireAt, &n.Dispatched, &n.SupersededVersion); err != nil {
		return n, err
	}
	n.FireAt = fromNanos(fireAt)
	return n, nil
}

// GetSchedule loads the schedule entry of a task or returns
// domain.ErrNotFound.
func (t *Tx) GetSchedule(taskID string) (domain.ScheduledNotification, error) {
	n, err := scanSchedule(t.tx.QueryRowContext(t.ctx,
		`SELECT `+scheduleColumns+` FROM schedule WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return n, domain.ErrNotFound
	}
	return n, storageErr("schedule get", err)
}

// PutSchedule writes the schedule entry of a task, replacing any previous one.
func (t *Tx) PutSchedule(n domain.ScheduledNotification) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO schedule (task_id, board_id, fire_at, dispatched, superseded_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			board_id = excluded.board_id,
			fire_at = excluded.fire_at,
			dispatched = excluded.dispatched,
			superseded_version = excluded.superseded_version`,
		n.TaskID, n.BoardID, nanos(n.FireAt), n.Dispatched, n.SupersededVersion)
	return storageErr("schedule put", err)
}

// DeleteSchedule removes the schedule entry of a task. Missing entries are
// ignored.
func (t *Tx) DeleteSchedule(taskID string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM schedule WHERE task_id = ?`, taskID)
	return storageErr("schedule delete", err)
}

// ListSchedule returns schedule entries ordered by fire time. With
// onlyPending set, dispatched entries are left out.
func (t *Tx) ListSchedule(onlyPending bool) ([]domain.ScheduledNotification, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedule`
	if onlyPending {
		q += ` WHERE dispatched = 0`
	}
	q += ` ORDER BY fire_at, task_id`
	rows, err := t.tx.QueryContext(t.ctx, q)
	if err != nil {
		return nil, storageErr("schedule list", err)
	}
	defer rows.Close()
	var out []domain.ScheduledNotification
	for rows.Next() {
		n, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr("schedule list", err)
		}
		out = append(out, n)
	}
	return out, storageErr("schedule list", rows.Err())
}
