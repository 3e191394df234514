// Package syncer moves local mutations to the remote store. Every mutation is
// committed to the Local Store together with a queue entry first; a drain
// pass later pushes queued entries in per-entity order and resolves conflicts
// with last-writer-wins on (version, updatedAt).
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/clock"
	"prism-sync/domain"
	"prism-sync/storage"
)

const (
	DefaultMaxAttempts    = 6
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultTombstoneGrace = 7 * 24 * time.Hour

	eventBuffer = 64
)

// Remote is the remote store as seen by the engine.
type Remote interface {
	Read(ctx context.Context, kind domain.EntityType, id string) (domain.RemoteRecord, error)
	Write(ctx context.Context, rec domain.Record) (domain.RemoteRecord, error)
	ListTasks(ctx context.Context, boardID string) ([]*domain.Task, error)
}

// TaskObserver is told about every committed task change. TaskChanged runs
// inside the engine's transaction and returns a hook to run after commit.
// Reload is called when another instance changed the task.
type TaskObserver interface {
	TaskChanged(ctx context.Context, tx *storage.Tx, task *domain.Task) (func(), error)
	Reload(ctx context.Context, taskID string) error
}

// Publisher announces local changes to other instances.
type Publisher interface {
	Publish(ctx context.Context, kind domain.EntityType, id string) error
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Clock          clock.Clock
	Observer       TaskObserver
	Publisher      Publisher
	Logger         *log.Logger
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         bool
	TombstoneGrace time.Duration
}

// Report summarises one drain.
type Report struct {
	Pushed    int
	Conflicts int
	Retried   int
	Failed    int
}

// Engine is the sync engine. It is safe for concurrent use; drains are
// serialised.
type Engine struct {
	store  *storage.Store
	remote Remote
	opts   Options
	logger *log.Logger
	tracer trace.Tracer

	drainMu sync.Mutex
	events  chan error

	subMu   sync.Mutex
	subs    map[subKey]map[int]func(domain.Record)
	nextSub int
}

type subKey struct {
	kind domain.EntityType
	id   string
}

// New creates an Engine over the given stores.
func New(store *storage.Store, remote Remote, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.TombstoneGrace <= 0 {
		opts.TombstoneGrace = DefaultTombstoneGrace
	}
	return &Engine{
		store:  store,
		remote: remote,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer("prism-sync/syncer"),
		events: make(chan error, eventBuffer),
		subs:   make(map[subKey]map[int]func(domain.Record)),
	}
}

// Events delivers *domain.SyncError and *domain.DiscardedLocalChange notices.
func (e *Engine) Events() <-chan error { return e.events }

func (e *Engine) emit(err error) {
	select {
	case e.events <- err:
	default:
		e.logger.WithError(err).Warn("sync event dropped, no reader")
	}
}

// Mutate validates patch against the local copy of the entity and, in one
// Local Store transaction, stores the new record version and queues it for
// the remote store. It never touches the network. The stored record is
// returned; a no-op patch returns the current record without queueing.
func (e *Engine) Mutate(ctx context.Context, kind domain.EntityType, id string, patch domain.Patch) (domain.Record, error) {
	if !kind.Valid() {
		return nil, &domain.ValidationError{Field: "entityType", Reason: "is unknown: " + string(kind)}
	}
	if err := domain.ValidateID("id", id); err != nil {
		return nil, err
	}
	if patch == nil {
		return nil, &domain.ValidationError{Reason: "missing patch"}
	}
	now := e.opts.Clock.Now().UTC()

	var (
		result domain.Record
		queued bool
		hook   func()
	)
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		cur, err := tx.Get(kind, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			cur = nil
		case err != nil:
			return err
		}
		localVersion := int64(-1)
		if cur != nil {
			localVersion = cur.RecordVersion()
		}

		next, changed, err := patch.Apply(cur, id, now)
		if err != nil {
			return err
		}
		if !changed {
			result = cur
			return nil
		}
		if task, ok := next.(*domain.Task); ok && cur == nil {
			if _, err := tx.GetBoard(task.BoardID); errors.Is(err, domain.ErrNotFound) {
				return &domain.ValidationError{Field: "boardId", Reason: "refers to an unknown board"}
			} else if err != nil {
				return err
			}
		}

		stamped := domain.Stamp(next, localVersion+1, now)
		if err := tx.Put(stamped); err != nil {
			return err
		}
		payload, err := domain.EncodeRecord(stamped)
		if err != nil {
			return &domain.StorageError{Op: "encode", Err: err}
		}
		if _, _, err := tx.EnqueueOrCoalesce(domain.SyncQueueEntry{
			OpID:       uuid.NewString(),
			EntityType: kind,
			EntityID:   id,
			Payload:    payload,
			CreatedAt:  now,
			Status:     domain.StatusPending,
		}); err != nil {
			return err
		}
		if task, ok := stamped.(*domain.Task); ok && e.opts.Observer != nil {
			if hook, err = e.opts.Observer.TaskChanged(ctx, tx, task); err != nil {
				return err
			}
		}
		result = stamped
		queued = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !queued {
		return result, nil
	}
	if hook != nil {
		hook()
	}
	e.logger.WithFields(log.Fields{
		"entity_type": kind,
		"entity_id":   id,
		"version":     result.RecordVersion(),
	}).Debug("mutation queued")
	e.changed(ctx, kind, id, result)
	return result, nil
}

// changed notifies local subscribers and other instances.
func (e *Engine) changed(ctx context.Context, kind domain.EntityType, id string, rec domain.Record) {
	e.notify(kind, id, rec)
	if e.opts.Publisher == nil {
		return
	}
	if err := e.opts.Publisher.Publish(ctx, kind, id); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"entity_type": kind, "entity_id": id}).Warn("publish change failed")
	}
}

// RetryFailed returns every failed entry to the queue with a fresh attempt
// budget.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	var n int
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.ResetFailed()
		return err
	})
	if err == nil && n > 0 {
		e.logger.WithField("entries", n).Info("failed mutations requeued")
	}
	return n, err
}

// Recover requeues entries left in flight by an interrupted drain.
func (e *Engine) Recover(ctx context.Context) error {
	var n int
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.ResetInFlight()
		return err
	})
	if err == nil && n > 0 {
		e.logger.WithField("entries", n).Warn("requeued mutations interrupted mid-push")
	}
	return err
}

// Stats counts queued mutations by status.
func (e *Engine) Stats(ctx context.Context) (domain.QueueStats, error) {
	var st domain.QueueStats
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		st, err = tx.QueueStats()
		return err
	})
	return st, err
}

// PurgeTombstones permanently removes deleted tasks whose grace period has
// elapsed and whose deletion the remote store has acknowledged.
func (e *Engine) PurgeTombstones(ctx context.Context) (int, error) {
	cutoff := e.opts.Clock.Now().Add(-e.opts.TombstoneGrace)
	var purged []*domain.Task
	err := e.store.Transaction(ctx, func(tx *storage.Tx) error {
		candidates, err := tx.PurgeableTombstones(cutoff)
		if err != nil {
			return err
		}
		for _, task := range candidates {
			queued, err := tx.EntriesFor(domain.EntityTask, task.ID)
			if err != nil {
				return err
			}
			if len(queued) > 0 {
				continue
			}
			if err := tx.DeleteRecord(domain.EntityTask, task.ID); err != nil {
				return err
			}
			if err := tx.DeleteSchedule(task.ID); err != nil {
				return err
			}
			purged = append(purged, task)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, task := range purged {
		e.notify(domain.EntityTask, task.ID, nil)
	}
	if len(purged) > 0 {
		e.logger.WithField("tasks", len(purged)).Info("tombstones purged")
	}
	return len(purged), nil
}
