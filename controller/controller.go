// Package controller is the board-facing boundary of the core. It is the only
// caller into the sync engine and the reminder scheduler.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/scheduler"
	"prism-sync/storage"
	"prism-sync/syncer"
)

const DefaultTickInterval = 5 * time.Second

var (
	// ErrClassifierDisabled is returned by ClassifyTask when no classifier is
	// configured.
	ErrClassifierDisabled = errors.New("classification is not configured")
	// ErrClassificationFailed wraps classifier failures.
	ErrClassificationFailed = errors.New("classification failed")
)

// Classifier suggests a quadrant and scores for a task.
type Classifier interface {
	Classify(ctx context.Context, req domain.ClassifyRequest) (domain.Classification, error)
}

// Leadership reports whether this instance drives the sync queue.
type Leadership interface {
	IsLeader() bool
}

// Options configures a Controller.
type Options struct {
	Classifier   Classifier
	Leadership   Leadership
	Logger       *log.Logger
	TickInterval time.Duration
}

// Controller exposes board operations and reactive reads.
type Controller struct {
	store      *storage.Store
	engine     *syncer.Engine
	sched      *scheduler.Scheduler
	classifier Classifier
	leader     Leadership
	logger     *log.Logger
	interval   time.Duration

	mu        sync.Mutex
	wasLeader bool
}

// New creates a Controller. Without a Leadership the instance always leads.
func New(store *storage.Store, engine *syncer.Engine, sched *scheduler.Scheduler, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	return &Controller{
		store:      store,
		engine:     engine,
		sched:      sched,
		classifier: opts.Classifier,
		leader:     opts.Leadership,
		logger:     opts.Logger,
		interval:   opts.TickInterval,
	}
}

func (c *Controller) isLeader() bool {
	return c.leader == nil || c.leader.IsLeader()
}

// Mutate decodes a JSON patch for the entity and applies it.
func (c *Controller) Mutate(ctx context.Context, kind domain.EntityType, id string, patchJSON []byte) (domain.Record, error) {
	patch, err := domain.DecodePatch(kind, patchJSON)
	if err != nil {
		return nil, err
	}
	return c.engine.Mutate(ctx, kind, id, patch)
}

// AddTask creates a task on boardID, creating the board first when it does
// not exist. An empty id is replaced by a generated one.
func (c *Controller) AddTask(ctx context.Context, boardID, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if err := domain.ValidateID("boardId", boardID); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := c.store.Get(ctx, domain.EntityBoard, boardID); errors.Is(err, domain.ErrNotFound) {
		if _, err := c.engine.Mutate(ctx, domain.EntityBoard, boardID, &domain.BoardPatch{Title: domain.Some(boardID)}); err != nil {
			return nil, err
		}
		c.logger.WithField("board_id", boardID).Info("board created")
	} else if err != nil {
		return nil, err
	}
	patch.BoardID = domain.Some(boardID)
	return c.mutateTask(ctx, id, &patch)
}

// UpdateTask applies a field patch to an existing task.
func (c *Controller) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if _, err := c.Task(ctx, id); err != nil {
		return nil, err
	}
	return c.mutateTask(ctx, id, &patch)
}

// CompleteTask marks a task done.
func (c *Controller) CompleteTask(ctx context.Context, id string) (*domain.Task, error) {
	return c.UpdateTask(ctx, id, domain.TaskPatch{Done: domain.Some(true)})
}

// DeleteTask tombstones a task. Deleting an already deleted task is a no-op.
func (c *Controller) DeleteTask(ctx context.Context, id string) error {
	if _, err := c.store.Get(ctx, domain.EntityTask, id); err != nil {
		return err
	}
	_, err := c.mutateTask(ctx, id, &domain.TaskPatch{Delete: true})
	return err
}

// RenameBoard changes a board's title.
func (c *Controller) RenameBoard(ctx context.Context, id, title string) (*domain.Board, error) {
	if _, err := c.Board(ctx, id); err != nil {
		return nil, err
	}
	rec, err := c.engine.Mutate(ctx, domain.EntityBoard, id, &domain.BoardPatch{Title: domain.Some(title)})
	if err != nil {
		return nil, err
	}
	return rec.(*domain.Board), nil
}

// ClassifyTask asks the classifier where the task belongs and applies the
// answer like a manual edit. The task is left untouched when the classifier
// fails.
func (c *Controller) ClassifyTask(ctx context.Context, id string) (*domain.Task, error) {
	if c.classifier == nil {
		return nil, ErrClassifierDisabled
	}
	task, err := c.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	var peers []domain.PeerTask
	err = c.store.Transaction(ctx, func(tx *storage.Tx) error {
		tasks, err := tx.TasksForBoard(task.BoardID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.ID == id || t.Tombstoned {
				continue
			}
			peers = append(peers, domain.PeerTask{Title: t.Title, Quadrant: t.Quadrant, Due: t.Due})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := c.classifier.Classify(ctx, domain.ClassifyRequest{
		Title:     task.Title,
		Notes:     task.Notes,
		Due:       task.Due,
		PeerTasks: peers,
	})
	if err != nil {
		c.logger.WithError(err).WithField("task_id", id).Warn("classification failed")
		return nil, fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}
	return c.mutateTask(ctx, id, &domain.TaskPatch{
		Quadrant:   domain.Some(res.Quadrant),
		Importance: domain.Some(res.Importance),
		Urgency:    domain.Some(res.Urgency),
		Priority:   domain.Some(res.Priority),
	})
}

func (c *Controller) mutateTask(ctx context.Context, id string, patch *domain.TaskPatch) (*domain.Task, error) {
	rec, err := c.engine.Mutate(ctx, domain.EntityTask, id, patch)
	if err != nil {
		return nil, err
	}
	return rec.(*domain.Task), nil
}

// Board returns a board.
func (c *Controller) Board(ctx context.Context, id string) (*domain.Board, error) {
	rec, err := c.store.Get(ctx, domain.EntityBoard, id)
	if err != nil {
		return nil, err
	}
	return rec.(*domain.Board), nil
}

// Task returns a live task. Tombstoned tasks are reported as not found.
func (c *Controller) Task(ctx context.Context, id string) (*domain.Task, error) {
	rec, err := c.store.Get(ctx, domain.EntityTask, id)
	if err != nil {
		return nil, err
	}
	task := rec.(*domain.Task)
	if task.Tombstoned {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

// Quadrants groups the board's live tasks by quadrant, highest priority first
// and then by title.
func (c *Controller) Quadrants(ctx context.Context, boardID string) (map[domain.Quadrant][]*domain.Task, error) {
	out := make(map[domain.Quadrant][]*domain.Task, len(domain.Quadrants))
	for _, q := range domain.Quadrants {
		out[q] = []*domain.Task{}
	}
	err := c.store.Transaction(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetBoard(boardID); err != nil {
			return err
		}
		tasks, err := tx.TasksForBoard(boardID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Tombstoned {
				continue
			}
			out[t.Quadrant] = append(out[t.Quadrant], t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, tasks := range out {
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].Priority != tasks[j].Priority {
				return tasks[i].Priority > tasks[j].Priority
			}
			return strings.ToLower(tasks[i].Title) < strings.ToLower(tasks[j].Title)
		})
	}
	return out, nil
}

// Subscribe registers cb for changes to one record, or every record of kind
// when id is empty.
func (c *Controller) Subscribe(kind domain.EntityType, id string, cb func(domain.Record)) (cancel func()) {
	return c.engine.Subscribe(kind, id, cb)
}

// SyncStatus describes the sync queue as seen by this instance.
type SyncStatus struct {
	domain.QueueStats
	Leader bool `json:"leader"`
}

func (c *Controller) SyncStatus(ctx context.Context) (SyncStatus, error) {
	st, err := c.engine.Stats(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{QueueStats: st, Leader: c.isLeader()}, nil
}

// Schedule lists the persisted reminder schedule.
func (c *Controller) Schedule(ctx context.Context) ([]domain.ScheduledNotification, error) {
	return c.sched.Entries(ctx)
}

// Events delivers *domain.SyncError and *domain.DiscardedLocalChange notices.
func (c *Controller) Events() <-chan error {
	return c.engine.Events()
}

// ConnectivityRestored requeues failed mutations and drains right away when
// this instance leads.
func (c *Controller) ConnectivityRestored(ctx context.Context) error {
	if _, err := c.engine.RetryFailed(ctx); err != nil {
		return err
	}
	if !c.isLeader() {
		return nil
	}
	_, err := c.engine.Drain(ctx)
	return err
}

// PullBoard adopts newer remote copies of a board and its tasks.
func (c *Controller) PullBoard(ctx context.Context, boardID string) (int, error) {
	if err := domain.ValidateID("boardId", boardID); err != nil {
		return 0, err
	}
	return c.engine.PullBoard(ctx, boardID)
}

// RetrySync requeues failed mutations.
func (c *Controller) RetrySync(ctx context.Context) (int, error) {
	return c.engine.RetryFailed(ctx)
}

// Tick runs one round of leader work: draining the sync queue and purging
// acknowledged tombstones. Followers do nothing.
func (c *Controller) Tick(ctx context.Context) error {
	leader := c.isLeader()
	c.mu.Lock()
	gained := leader && !c.wasLeader
	c.wasLeader = leader
	c.mu.Unlock()
	if !leader {
		return nil
	}
	if gained {
		if err := c.engine.Recover(ctx); err != nil {
			return err
		}
	}

	rep, err := c.engine.Drain(ctx)
	if err != nil {
		return err
	}
	purged, err := c.engine.PurgeTombstones(ctx)
	if err != nil {
		return err
	}
	if rep.Pushed+rep.Conflicts+rep.Failed > 0 || purged > 0 {
		c.logger.WithFields(log.Fields{
			"pushed":    rep.Pushed,
			"conflicts": rep.Conflicts,
			"failed":    rep.Failed,
			"purged":    purged,
		}).Debug("sync tick")
	}
	return nil
}

// Run loads the reminder schedule and then ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.sched.Init(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("sync tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
