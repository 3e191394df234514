package scheduler

import (
	"container/heap"
	"time"
)

// entry is one undispatched reminder held in memory.
type entry struct {
	taskID string
	fireAt time.Time
	index  int
}

// fireHeap orders entries by fire time, earliest first, ties by task id.
type fireHeap []*entry

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].taskID < h[j].taskID
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// effect is the timer change a transition asks the runtime to make.
type effect struct {
	arm    bool
	at     time.Time
	disarm bool
}

// State is the in-memory reminder schedule: a min-heap of undispatched
// entries indexed by task, plus the deadline the timer is armed for. It has no
// locking of its own; the runtime owns it.
type State struct {
	heap   fireHeap
	byTask map[string]*entry
	armed  time.Time
}

// NewState returns an empty schedule.
func NewState() *State {
	return &State{byTask: make(map[string]*entry)}
}

// Len returns the number of undispatched entries.
func (s *State) Len() int { return len(s.heap) }

// upsert schedules taskID at fireAt, replacing any earlier entry of the task.
func (s *State) upsert(taskID string, fireAt time.Time) effect {
	if e, ok := s.byTask[taskID]; ok {
		e.fireAt = fireAt
		heap.Fix(&s.heap, e.index)
	} else {
		e := &entry{taskID: taskID, fireAt: fireAt}
		heap.Push(&s.heap, e)
		s.byTask[taskID] = e
	}
	return s.next()
}

// cancel drops the entry of taskID if there is one.
func (s *State) cancel(taskID string) effect {
	if e, ok := s.byTask[taskID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byTask, taskID)
	}
	return s.next()
}

// popDue removes and returns every entry due at now, earliest first.
func (s *State) popDue(now time.Time) []entry {
	var due []entry
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byTask, e.taskID)
		due = append(due, *e)
	}
	return due
}

// nextDeadline returns the earliest fire time, if any.
func (s *State) nextDeadline() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].fireAt, true
}

// next reconciles the armed deadline with the head of the heap.
func (s *State) next() effect {
	at, ok := s.nextDeadline()
	switch {
	case !ok && s.armed.IsZero():
		return effect{}
	case !ok:
		s.armed = time.Time{}
		return effect{disarm: true}
	case s.armed.Equal(at):
		return effect{}
	default:
		s.armed = at
		return effect{arm: true, at: at}
	}
}

// disarmed records that the runtime's timer fired or was stopped.
func (s *State) disarmed() { s.armed = time.Time{} }
