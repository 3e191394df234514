package domain

import (
	"time"
)

// EntityType names a syncable record kind.
type EntityType string

const (
	EntityBoard EntityType = "board"
	EntityTask  EntityType = "task"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityBoard || t == EntityTask
}

// Quadrant is one of the four priority buckets.
type Quadrant string

const (
	QuadrantUrgentImportant Quadrant = "q1"
	QuadrantImportant       Quadrant = "q2"
	QuadrantUrgent          Quadrant = "q3"
	QuadrantNeither         Quadrant = "q4"
)

// Quadrants lists every quadrant in display order.
var Quadrants = []Quadrant{QuadrantUrgentImportant, QuadrantImportant, QuadrantUrgent, QuadrantNeither}

func (q Quadrant) Valid() bool {
	switch q {
	case QuadrantUrgentImportant, QuadrantImportant, QuadrantUrgent, QuadrantNeither:
		return true
	}
	return false
}

// scoreThreshold splits low from high importance/urgency scores.
const scoreThreshold = 50

// QuadrantFor derives a quadrant from importance and urgency scores.
func QuadrantFor(importance, urgency int) Quadrant {
	switch {
	case importance >= scoreThreshold && urgency >= scoreThreshold:
		return QuadrantUrgentImportant
	case importance >= scoreThreshold:
		return QuadrantImportant
	case urgency >= scoreThreshold:
		return QuadrantUrgent
	default:
		return QuadrantNeither
	}
}

// Record is implemented by every syncable entity.
type Record interface {
	EntityType() EntityType
	RecordID() string
	RecordVersion() int64
	RecordUpdatedAt() time.Time
}

// Board identifies a task collection. OwnerID is nil for unclaimed boards.
type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   *string   `json:"ownerId"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Board) EntityType() EntityType     { return EntityBoard }
func (b *Board) RecordID() string           { return b.ID }
func (b *Board) RecordVersion() int64       { return b.Version }
func (b *Board) RecordUpdatedAt() time.Time { return b.UpdatedAt }

// Task represents a single board item.
type Task struct {
	ID                  string     `json:"id"`
	BoardID             string     `json:"boardId"`
	Title               string     `json:"title"`
	Notes               string     `json:"notes,omitempty"`
	Quadrant            Quadrant   `json:"quadrant"`
	Importance          int        `json:"importance"`
	Urgency             int        `json:"urgency"`
	Priority            int        `json:"priority"`
	Done                bool       `json:"done,omitempty"`
	Due                 *time.Time `json:"due"`
	ReminderLeadMinutes *int       `json:"reminderLeadMinutes"`
	Version             int64      `json:"version"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	Tombstoned          bool       `json:"tombstoned,omitempty"`
	TombstonedAt        *time.Time `json:"tombstonedAt,omitempty"`
}

func (t *Task) EntityType() EntityType     { return EntityTask }
func (t *Task) RecordID() string           { return t.ID }
func (t *Task) RecordVersion() int64       { return t.Version }
func (t *Task) RecordUpdatedAt() time.Time { return t.UpdatedAt }

// FireAt returns due minus the reminder lead. ok is false when the task has
// no reminder: no due date, no lead, completed, or deleted.
func (t *Task) FireAt() (at time.Time, ok bool) {
	if t.Due == nil || t.ReminderLeadMinutes == nil || t.Done || t.Tombstoned {
		return time.Time{}, false
	}
	return t.Due.Add(-time.Duration(*t.ReminderLeadMinutes) * time.Minute), true
}

// ScheduledNotification is a persisted reminder schedule entry, keyed by task.
type ScheduledNotification struct {
	TaskID            string    `json:"taskId"`
	BoardID           string    `json:"boardId"`
	FireAt            time.Time `json:"fireAt"`
	Dispatched        bool      `json:"dispatched"`
	SupersededVersion int64     `json:"supersededVersion"`
}

// QueueStatus is the lifecycle state of a SyncQueueEntry.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusInFlight QueueStatus = "in-flight"
	StatusFailed   QueueStatus = "failed"
)

// SyncQueueEntry is a mutation awaiting delivery to the remote store.
type SyncQueueEntry struct {
	OpID        string
	Seq         int64
	EntityType  EntityType
	EntityID    string
	Payload     []byte
	CreatedAt   time.Time
	Attempts    int
	Status      QueueStatus
	NextRetryAt time.Time
	LastError   string
}

// QueueStats summarises the sync queue.
type QueueStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Failed   int `json:"failed"`
}

// RemoteRecord is a record as stored by the remote store.
type RemoteRecord struct {
	Record Record
	ETag   string
}

// Reminder is the payload handed to a delivery channel.
type Reminder struct {
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	TaskID  string    `json:"taskId"`
	BoardID string    `json:"boardId"`
	FireAt  time.Time `json:"fireAt"`
}

// DeliveryResult describes an accepted reminder.
type DeliveryResult struct {
	MessageID   string
	DeliveredAt time.Time
}

// PeerTask is the classification context for other tasks on the board.
type PeerTask struct {
	Title    string     `json:"title"`
	Quadrant Quadrant   `json:"quadrant"`
	Due      *time.Time `json:"due,omitempty"`
}

// ClassifyRequest is the input of the classification collaborator.
type ClassifyRequest struct {
	Title     string
	Notes     string
	Due       *time.Time
	PeerTasks []PeerTask
}

// Classification is the output of the classification collaborator.
type Classification struct {
	Quadrant   Quadrant `json:"quadrant"`
	Importance int      `json:"importance"`
	Urgency    int      `json:"urgency"`
	Priority   int      `json:"priority"`
	Reason     string   `json:"reason"`
}
