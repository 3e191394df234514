// Package scheduler turns task due dates into reminders. The schedule is
// persisted in the Local Store next to the tasks it derives from, and a
// single timer is kept armed for the earliest undispatched entry so that
// reminders fire on time and are caught up after a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/clock"
	"prism-sync/domain"
	"prism-sync/storage"
)

const (
	deliveryTimeout = 30 * time.Second
	dedupeTTL       = 24 * time.Hour
)

// Channel delivers reminders to the user.
type Channel interface {
	Deliver(ctx context.Context, r domain.Reminder) (domain.DeliveryResult, error)
}

// Leadership reports whether this instance may deliver reminders.
type Leadership interface {
	IsLeader() bool
}

// Deduper claims a key across instances. Claim returns false when the key was
// already claimed.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Options configures a Scheduler.
type Options struct {
	Clock      clock.Clock
	Leadership Leadership
	Deduper    Deduper
	Logger     *log.Logger
}

// Scheduler is the reminder runtime.
type Scheduler struct {
	store   *storage.Store
	channel Channel
	clock   clock.Clock
	leader  Leadership
	dedup   Deduper
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    *State
	timer    clock.Timer
	gen      uint64
	inflight map[string]bool
	deferred map[string]time.Time
	versions map[string]int64
	closed   bool
}

// New creates a Scheduler. Without a Leadership every instance delivers.
func New(store *storage.Store, channel Channel, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		channel:  channel,
		clock:    opts.Clock,
		leader:   opts.Leadership,
		dedup:    opts.Deduper,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		state:    NewState(),
		inflight: make(map[string]bool),
		deferred: make(map[string]time.Time),
		versions: make(map[string]int64),
	}
}

// Init loads every undispatched entry from the Local Store and arms the
// timer. Entries whose fire time passed while no instance was running fire
// right away.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var pending []domain.ScheduledNotification
	err := s.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		pending, err = tx.ListSchedule(true)
		return err
	})
	if err != nil {
		return err
	}
	missed, future := splitDue(pending, s.clock.Now())

	s.state = NewState()
	s.versions = make(map[string]int64)
	s.stopTimer()
	for _, n := range pending {
		s.state.upsert(n.TaskID, n.FireAt)
		s.versions[n.TaskID] = n.SupersededVersion
	}
	s.state.disarmed()
	s.apply(s.state.next())
	s.logger.WithFields(log.Fields{"missed": len(missed), "future": len(future)}).Info("reminder schedule loaded")
	return nil
}

// splitDue partitions entries into those due at now and those still ahead.
func splitDue(entries []domain.ScheduledNotification, now time.Time) (missed, future []domain.ScheduledNotification) {
	for _, n := range entries {
		if n.FireAt.After(now) {
			future = append(future, n)
		} else {
			missed = append(missed, n)
		}
	}
	return missed, future
}

// TaskChanged brings the persisted schedule in line with task inside the
// caller's transaction. The returned hook updates the in-memory schedule and
// must run after the transaction commits. Hooks may run out of commit order;
// one carrying an older task version than an already applied hook is ignored.
func (s *Scheduler) TaskChanged(ctx context.Context, tx *storage.Tx, task *domain.Task) (func(), error) {
	fireAt, ok := task.FireAt()
	if !ok {
		if err := tx.DeleteSchedule(task.ID); err != nil {
			return nil, err
		}
		return func() { s.cancelTask(task.ID, task.Version) }, nil
	}

	dispatched := false
	cur, err := tx.GetSchedule(task.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, err
	case cur.FireAt.Equal(fireAt):
		// Editing anything but the fire time never re-fires a delivered reminder.
		dispatched = cur.Dispatched
	}
	err = tx.PutSchedule(domain.ScheduledNotification{
		TaskID:            task.ID,
		BoardID:           task.BoardID,
		FireAt:            fireAt,
		Dispatched:        dispatched,
		SupersededVersion: task.Version,
	})
	if err != nil {
		return nil, err
	}
	if dispatched {
		return func() { s.cancelTask(task.ID, task.Version) }, nil
	}
	return func() { s.upsertTask(task.ID, fireAt, task.Version) }, nil
}

// Reload re-reads one task's schedule entry after another instance changed
// it.
func (s *Scheduler) Reload(ctx context.Context, taskID string) error {
	var (
		n     domain.ScheduledNotification
		found bool
	)
	err := s.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.GetSchedule(taskID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return err
	}
	s.resync(taskID, n, found)
	return nil
}

// LeadershipChanged reacts to an election result. A new leader reloads the
// schedule to deliver whatever followers left undispatched.
func (s *Scheduler) LeadershipChanged(leader bool) {
	if !leader {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Init(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.WithError(err).Error("reload schedule after election failed")
		}
	}()
}

// Entries lists the persisted schedule, dispatched entries included.
func (s *Scheduler) Entries(ctx context.Context) ([]domain.ScheduledNotification, error) {
	var out []domain.ScheduledNotification
	err := s.store.Transaction(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.ListSchedule(false)
		return err
	})
	return out, err
}

// Close stops the timer and waits for running deliveries.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopTimer()
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) upsertTask(taskID string, fireAt time.Time, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && !s.stale(taskID, version) {
		s.apply(s.state.upsert(taskID, fireAt))
	}
}

func (s *Scheduler) cancelTask(taskID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && !s.stale(taskID, version) {
		s.apply(s.state.cancel(taskID))
	}
}

// resync makes the in-memory entry match the persisted row n, whatever
// versions were applied before. found is false when the row is gone.
func (s *Scheduler) resync(taskID string, n domain.ScheduledNotification, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !found || n.Dispatched {
		s.apply(s.state.cancel(taskID))
		return
	}
	s.versions[taskID] = n.SupersededVersion
	s.apply(s.state.upsert(taskID, n.FireAt))
}

// stale reports whether a newer version of the task was already applied and
// records version otherwise. Callers hold s.mu.
func (s *Scheduler) stale(taskID string, version int64) bool {
	if v, ok := s.versions[taskID]; ok && version < v {
		return true
	}
	s.versions[taskID] = version
	return false
}

// apply performs a timer effect. Callers hold s.mu.
func (s *Scheduler) apply(eff effect) {
	switch {
	case eff.disarm:
		s.stopTimer()
	case eff.arm:
		s.stopTimer()
		s.state.armed = eff.at
		s.gen++
		gen := s.gen
		s.timer = s.clock.AfterFunc(eff.at.Sub(s.clock.Now()), func() { s.fire(gen) })
	}
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.state.disarmed()
}

// fire runs when the timer armed as generation gen expires. Timers replaced
// in the meantime are ignored.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state.disarmed()
	due := s.state.popDue(s.clock.Now())
	s.apply(s.state.next())
	var run []entry
	for _, e := range due {
		if s.inflight[e.taskID] {
			// Picked up again once the running dispatch returns.
			s.deferred[e.taskID] = e.fireAt
			continue
		}
		s.inflight[e.taskID] = true
		run = append(run, e)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	for _, e := range run {
		rearm := s.dispatch(e.taskID, e.fireAt)
		s.mu.Lock()
		delete(s.inflight, e.taskID)
		at, ok := s.deferred[e.taskID]
		delete(s.deferred, e.taskID)
		s.mu.Unlock()
		switch {
		case rearm != nil:
			s.resync(e.taskID, *rearm, true)
		case ok:
			s.mu.Lock()
			if !s.closed {
				s.apply(s.state.upsert(e.taskID, at))
			}
			s.mu.Unlock()
		}
	}
}

// dispatch delivers one due reminder at most once per instance. The entry is
// skipped when it was removed or already dispatched. When the row holds a
// different fire time the in-memory entry was out of date and the row is
// returned for the caller to re-arm. Followers leave the entry for the leader.
func (s *Scheduler) dispatch(taskID string, fireAt time.Time) *domain.ScheduledNotification {
	logger := s.logger.WithFields(log.Fields{"task_id": taskID, "fire_at": fireAt.UTC().Format(time.RFC3339)})
	if s.leader != nil && !s.leader.IsLeader() {
		logger.Debug("not leader, leaving reminder to the leader")
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, deliveryTimeout)
	defer cancel()

	var (
		task  *domain.Task
		live  bool
		moved *domain.ScheduledNotification
	)
	err := s.store.Transaction(ctx, func(tx *storage.Tx) error {
		n, err := tx.GetSchedule(taskID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if n.Dispatched {
			return nil
		}
		if !n.FireAt.Equal(fireAt) {
			moved = &n
			return nil
		}
		if task, err = tx.GetTask(taskID); err != nil {
			return err
		}
		live = true
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("load reminder failed")
		return nil
	}
	if moved != nil {
		logger.WithField("row_fire_at", moved.FireAt.UTC().Format(time.RFC3339)).Warn("reminder fire time out of date, re-arming")
		return moved
	}
	if !live {
		logger.Debug("reminder superseded, skipping")
		return nil
	}

	if s.dedup != nil {
		claimed, err := s.dedup.Claim(ctx, DedupeKey(taskID, fireAt), dedupeTTL)
		switch {
		case err != nil:
			logger.WithError(err).Warn("reminder dedupe unavailable, delivering anyway")
		case !claimed:
			logger.Info("reminder already delivered by another instance")
			s.markDispatched(ctx, logger, taskID, fireAt)
			return nil
		}
	}

	res, err := s.channel.Deliver(ctx, reminderFor(task, fireAt))
	if err != nil {
		var de *domain.DeliveryError
		if !errors.As(err, &de) {
			de = &domain.DeliveryError{TaskID: taskID, Err: err}
		}
		logger.WithError(de).WithField("permission", de.Permission).Error("reminder delivery failed")
	} else {
		logger.WithField("message_id", res.MessageID).Info("reminder delivered")
	}
	s.markDispatched(ctx, logger, taskID, fireAt)
	return nil
}

func (s *Scheduler) markDispatched(ctx context.Context, logger *log.Entry, taskID string, fireAt time.Time) {
	err := s.store.Transaction(context.WithoutCancel(ctx), func(tx *storage.Tx) error {
		n, err := tx.GetSchedule(taskID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !n.FireAt.Equal(fireAt) {
			return nil
		}
		n.Dispatched = true
		return tx.PutSchedule(n)
	})
	if err != nil {
		logger.WithError(err).Error("mark reminder dispatched failed")
	}
}

// DedupeKey identifies one reminder occurrence across instances.
func DedupeKey(taskID string, fireAt time.Time) string {
	return "reminder:" + taskID + ":" + fireAt.UTC().Format(time.RFC3339)
}

func reminderFor(task *domain.Task, fireAt time.Time) domain.Reminder {
	body := "Reminder"
	if task.Due != nil {
		body = fmt.Sprintf("Due %s", task.Due.UTC().Format("Mon 2 Jan 15:04 MST"))
	}
	return domain.Reminder{
		Title:   task.Title,
		Body:    body,
		TaskID:  task.ID,
		BoardID: task.BoardID,
		FireAt:  fireAt,
	}
}
