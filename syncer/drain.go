package syncer

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
	"prism-sync/storage"
)

// remoteWins reports whether the remote copy beats the local one: it must be
// at least as new by version and strictly newer by wall clock.
func remoteWins(remote, local domain.Record) bool {
	return remote.RecordVersion() >= local.RecordVersion() && remote.RecordUpdatedAt().After(local.RecordUpdatedAt())
}

// Drain pushes every queued mutation that is due. Entities are handled in
// queue order and each entity's entries strictly one after another. Remote
// failures never abort the pass; they are recorded on the entry and retried
// later. Only Local Store failures are returned.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "sync.drain")
	defer span.End()

	var rep Report
	for {
		var heads []domain.SyncQueueEntry
		err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
			var err error
			heads, err = tx.PendingHeads(e.opts.Clock.Now())
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load queue")
			return rep, err
		}
		progressed := false
		for _, entry := range heads {
			if ctx.Err() != nil {
				break
			}
			settled, err := e.push(ctx, entry, &rep)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "local store")
				return rep, err
			}
			progressed = progressed || settled
		}
		if !progressed || ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sync.pushed", rep.Pushed),
		attribute.Int("sync.conflicts", rep.Conflicts),
		attribute.Int("sync.retried", rep.Retried),
		attribute.Int("sync.failed", rep.Failed),
	)
	if rep != (Report{}) {
		e.logger.WithFields(log.Fields{
			"pushed":    rep.Pushed,
			"conflicts": rep.Conflicts,
			"retried":   rep.Retried,
			"failed":    rep.Failed,
		}).Info("sync drain finished")
	}
	return rep, nil
}

// push delivers one queue head. settled is true when the entry left the
// queue.
func (e *Engine) push(ctx context.Context, entry domain.SyncQueueEntry, rep *Report) (settled bool, err error) {
	ctx, span := e.tracer.Start(ctx, "sync.push", trace.WithAttributes(
		attribute.String("entity.type", string(entry.EntityType)),
		attribute.String("entity.id", entry.EntityID),
		attribute.Int("sync.attempt", entry.Attempts+1),
	))
	defer span.End()
	// Bookkeeping must land even when the drain is cancelled mid-push.
	storeCtx := context.WithoutCancel(ctx)

	local, err := domain.DecodeRecord(entry.EntityType, entry.Payload)
	if err != nil {
		return false, e.fail(storeCtx, span, entry, err, true, rep)
	}
	entry.Status = domain.StatusInFlight
	if err := e.store.Transaction(storeCtx, func(tx *storage.Tx) error { return tx.UpdateEntry(entry) }); err != nil {
		return false, err
	}

	remote, err := e.remote.Read(ctx, entry.EntityType, entry.EntityID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		remote = domain.RemoteRecord{}
	case err != nil:
		return false, e.fail(storeCtx, span, entry, err, false, rep)
	}

	if remote.Record != nil && remoteWins(remote.Record, local) {
		return true, e.acceptRemote(storeCtx, entry, local, remote.Record, rep)
	}

	// Local beat an existing remote copy: push above both versions.
	out := local
	if remote.Record != nil {
		out = domain.WithVersion(local, max(local.RecordVersion(), remote.Record.RecordVersion())+1)
	}
	if _, err := e.remote.Write(ctx, out); err != nil {
		return false, e.fail(storeCtx, span, entry, err, false, rep)
	}
	return true, e.settle(storeCtx, entry, local, out, rep)
}

// settle removes a pushed entry and raises the local version to the pushed
// one unless the entity was mutated again meanwhile.
func (e *Engine) settle(ctx context.Context, entry domain.SyncQueueEntry, local, pushed domain.Record, rep *Report) error {
	var bumped domain.Record
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		if err := tx.DeleteEntry(entry.Seq); err != nil {
			return err
		}
		if err := tx.MarkSynced(entry.EntityType, entry.EntityID, pushed.RecordVersion()); err != nil {
			return err
		}
		if pushed.RecordVersion() == local.RecordVersion() {
			return nil
		}
		cur, err := tx.Get(entry.EntityType, entry.EntityID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.RecordVersion() != local.RecordVersion() {
			return nil
		}
		bumped = domain.WithVersion(cur, pushed.RecordVersion())
		return tx.Put(bumped)
	})
	if err != nil {
		return err
	}
	rep.Pushed++
	e.logger.WithFields(log.Fields{
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
		"version":     pushed.RecordVersion(),
	}).Debug("mutation pushed")
	if bumped != nil {
		e.changed(ctx, entry.EntityType, entry.EntityID, bumped)
	}
	return nil
}

// acceptRemote overwrites the local record with the winning remote copy and
// discards every queued mutation of the entity.
func (e *Engine) acceptRemote(ctx context.Context, entry domain.SyncQueueEntry, local, remote domain.Record, rep *Report) error {
	var (
		hook      func()
		discarded int
	)
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		if discarded, err = tx.DeleteEntriesFor(entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		if err := tx.Put(remote); err != nil {
			return err
		}
		if err := tx.MarkSynced(entry.EntityType, entry.EntityID, remote.RecordVersion()); err != nil {
			return err
		}
		if task, ok := remote.(*domain.Task); ok && e.opts.Observer != nil {
			hook, err = e.opts.Observer.TaskChanged(ctx, tx, task)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	rep.Conflicts++
	notice := &domain.DiscardedLocalChange{
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		LocalVersion:  local.RecordVersion(),
		RemoteVersion: remote.RecordVersion(),
	}
	e.logger.WithFields(log.Fields{
		"entity_type":     entry.EntityType,
		"entity_id":       entry.EntityID,
		"local_version":   local.RecordVersion(),
		"remote_version":  remote.RecordVersion(),
		"discarded_count": discarded,
	}).Warn("remote change won, local change discarded")
	e.changed(ctx, entry.EntityType, entry.EntityID, remote)
	e.emit(notice)
	return nil
}

// fail records a failed attempt. The entry goes back to pending with a
// backoff delay, or to failed once its attempts are exhausted. Unreadable
// payloads fail at once.
func (e *Engine) fail(ctx context.Context, span trace.Span, entry domain.SyncQueueEntry, cause error, permanent bool, rep *Report) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "push failed")

	entry.Attempts++
	entry.LastError = cause.Error()
	fields := log.Fields{
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
		"attempts":    entry.Attempts,
	}
	if permanent || entry.Attempts >= e.opts.MaxAttempts {
		entry.Status = domain.StatusFailed
		entry.NextRetryAt = e.opts.Clock.Now()
	} else {
		entry.Status = domain.StatusPending
		delay := Backoff(entry.Attempts, e.opts.BaseDelay, e.opts.MaxDelay, e.opts.Jitter)
		entry.NextRetryAt = e.opts.Clock.Now().Add(delay)
		fields["retry_in"] = delay.String()
	}
	if err := e.store.Transaction(ctx, func(tx *storage.Tx) error { return tx.UpdateEntry(entry) }); err != nil {
		return err
	}

	if entry.Status == domain.StatusFailed {
		rep.Failed++
		e.logger.WithError(cause).WithFields(fields).Error("mutation failed, giving up until retried")
		e.emit(&domain.SyncError{
			OpID:       entry.OpID,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			Attempts:   entry.Attempts,
			Err:        cause,
		})
		return nil
	}
	rep.Retried++
	e.logger.WithError(cause).WithFields(fields).Warn("mutation push failed, will retry")
	return nil
}
