package syncer

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/storage"
)

// Refresh reads one record back from the remote store and adopts it when it
// beats the local copy. Entities with queued mutations are left alone; their
// conflicts are settled by the drain. A task whose board is not stored
// locally is not adopted.
func (e *Engine) Refresh(ctx context.Context, kind domain.EntityType, id string) (bool, error) {
	remote, err := e.remote.Read(ctx, kind, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.adopt(ctx, remote.Record)
}

// PullBoard hydrates a board and its tasks from the remote store and returns
// how many records were adopted.
func (e *Engine) PullBoard(ctx context.Context, boardID string) (int, error) {
	adopted := 0
	ok, err := e.Refresh(ctx, domain.EntityBoard, boardID)
	if err != nil {
		return 0, err
	}
	if ok {
		adopted++
	}
	tasks, err := e.remote.ListTasks(ctx, boardID)
	if err != nil {
		return adopted, err
	}
	for _, task := range tasks {
		ok, err := e.adopt(ctx, task)
		if err != nil {
			return adopted, err
		}
		if ok {
			adopted++
		}
	}
	if adopted > 0 {
		e.logger.WithFields(log.Fields{"board_id": boardID, "records": adopted}).Info("board pulled from remote")
	}
	return adopted, nil
}

func (e *Engine) adopt(ctx context.Context, remote domain.Record) (bool, error) {
	kind, id := remote.EntityType(), remote.RecordID()
	var (
		hook    func()
		adopted bool
	)
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		queued, err := tx.EntriesFor(kind, id)
		if err != nil {
			return err
		}
		if len(queued) > 0 {
			return nil
		}
		if task, ok := remote.(*domain.Task); ok {
			if _, err := tx.GetBoard(task.BoardID); errors.Is(err, domain.ErrNotFound) {
				e.logger.WithFields(log.Fields{"task_id": id, "board_id": task.BoardID}).Debug("remote task skipped, board unknown")
				return nil
			} else if err != nil {
				return err
			}
		}
		cur, err := tx.Get(kind, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return err
		case !remoteWins(remote, cur):
			return nil
		}
		if err := tx.Put(remote); err != nil {
			return err
		}
		if err := tx.MarkSynced(kind, id, remote.RecordVersion()); err != nil {
			return err
		}
		if task, ok := remote.(*domain.Task); ok && e.opts.Observer != nil {
			if hook, err = e.opts.Observer.TaskChanged(ctx, tx, task); err != nil {
				return err
			}
		}
		adopted = true
		return nil
	})
	if err != nil || !adopted {
		return false, err
	}
	if hook != nil {
		hook()
	}
	e.changed(ctx, kind, id, remote)
	return true, nil
}
