package domain

import (
	"bytes"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

const (
	maxIDLength    = 128
	maxTitleLength = 200
	maxNotesLength = 4000
	maxScore       = 100
	// maxLeadMinutes caps reminder leads at 30 days.
	maxLeadMinutes = 30 * 24 * 60
)

// Optional distinguishes an absent JSON field from an explicit null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: &v} }

// Null returns an Optional that clears the field.
func Null[T any]() Optional[T] { return Optional[T]{Set: true} }

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// Patch is a mutation payload for one entity.
type Patch interface {
	// Apply returns the record that results from applying the patch to
	// current, which is nil when the entity does not exist yet. changed is
	// false when the patch is a no-op.
	Apply(current Record, id string, now time.Time) (next Record, changed bool, err error)
}

// BoardPatch carries board field edits. Ownership is not patchable: boards
// are claimed by the identity service only.
type BoardPatch struct {
	Title Optional[string] `json:"title"`
}

// TaskPatch carries task field edits. Absent fields are left untouched; a
// null Due or ReminderLeadMinutes clears the reminder.
type TaskPatch struct {
	BoardID             Optional[string]    `json:"boardId"`
	Title               Optional[string]    `json:"title"`
	Notes               Optional[string]    `json:"notes"`
	Quadrant            Optional[Quadrant]  `json:"quadrant"`
	Importance          Optional[int]       `json:"importance"`
	Urgency             Optional[int]       `json:"urgency"`
	Priority            Optional[int]       `json:"priority"`
	Done                Optional[bool]      `json:"done"`
	Due                 Optional[time.Time] `json:"due"`
	ReminderLeadMinutes Optional[int]       `json:"reminderLeadMinutes"`
	Delete              bool                `json:"delete,omitempty"`
}

// DecodePatch parses a JSON patch for the given entity type.
func DecodePatch(kind EntityType, data []byte) (Patch, error) {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	switch kind {
	case EntityBoard:
		var p BoardPatch
		if err := dec.Decode(&p); err != nil {
			return nil, invalid("", "malformed board patch: "+err.Error())
		}
		return &p, nil
	case EntityTask:
		var p TaskPatch
		if err := dec.Decode(&p); err != nil {
			return nil, invalid("", "malformed task patch: "+err.Error())
		}
		return &p, nil
	default:
		return nil, invalid("entityType", "is unknown: "+string(kind))
	}
}

// ValidateID checks a client generated identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return invalid(field, "is required")
	}
	if len(id) > maxIDLength {
		return invalid(field, "is too long")
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' || r == '\\' || r == '#' || r == '?' || r == '\'' {
			return invalid(field, "contains forbidden characters")
		}
	}
	return nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title", "is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return invalid("title", "is too long")
	}
	return nil
}

func validateScore(field string, v int) error {
	if v < 0 || v > maxScore {
		return invalid(field, "must be between 0 and 100")
	}
	return nil
}

func (p *BoardPatch) Apply(current Record, id string, now time.Time) (Record, bool, error) {
	var cur *Board
	if current != nil {
		b, ok := current.(*Board)
		if !ok {
			return nil, false, invalid("entityType", "board patch applied to "+string(current.EntityType()))
		}
		cur = b
	}
	if cur == nil {
		if !p.Title.Set || p.Title.Value == nil {
			return nil, false, invalid("title", "is required")
		}
		if err := validateTitle(*p.Title.Value); err != nil {
			return nil, false, err
		}
		return &Board{ID: id, Title: *p.Title.Value}, true, nil
	}
	if !p.Title.Set {
		return nil, false, invalid("", "board update had no fields")
	}
	if p.Title.Value == nil {
		return nil, false, invalid("title", "cannot be cleared")
	}
	if err := validateTitle(*p.Title.Value); err != nil {
		return nil, false, err
	}
	next := *cur
	next.Title = *p.Title.Value
	return &next, next.Title != cur.Title, nil
}

func (p *TaskPatch) empty() bool {
	return !p.BoardID.Set && !p.Title.Set && !p.Notes.Set && !p.Quadrant.Set && !p.Importance.Set &&
		!p.Urgency.Set && !p.Priority.Set && !p.Done.Set && !p.Due.Set && !p.ReminderLeadMinutes.Set && !p.Delete
}

func (p *TaskPatch) Apply(current Record, id string, now time.Time) (Record, bool, error) {
	var cur *Task
	if current != nil {
		t, ok := current.(*Task)
		if !ok {
			return nil, false, invalid("entityType", "task patch applied to "+string(current.EntityType()))
		}
		cur = t
	}

	var next Task
	switch {
	case cur == nil:
		if p.Delete {
			return nil, false, invalid("id", "does not exist")
		}
		if !p.BoardID.Set || p.BoardID.Value == nil {
			return nil, false, invalid("boardId", "is required")
		}
		if err := ValidateID("boardId", *p.BoardID.Value); err != nil {
			return nil, false, err
		}
		if !p.Title.Set {
			return nil, false, invalid("title", "is required")
		}
		next = Task{ID: id, BoardID: *p.BoardID.Value}
	case cur.Tombstoned:
		if p.Delete {
			return cur, false, nil
		}
		return nil, false, invalid("id", "refers to a deleted task")
	default:
		if p.empty() {
			return nil, false, invalid("", "task update had no fields")
		}
		if p.BoardID.Set && (p.BoardID.Value == nil || *p.BoardID.Value != cur.BoardID) {
			return nil, false, invalid("boardId", "cannot be changed")
		}
		next = *cur
	}

	if p.Title.Set {
		if p.Title.Value == nil {
			return nil, false, invalid("title", "cannot be cleared")
		}
		next.Title = *p.Title.Value
	}
	if p.Notes.Set {
		next.Notes = ""
		if p.Notes.Value != nil {
			next.Notes = *p.Notes.Value
		}
	}
	if p.Importance.Set && p.Importance.Value != nil {
		next.Importance = *p.Importance.Value
	}
	if p.Urgency.Set && p.Urgency.Value != nil {
		next.Urgency = *p.Urgency.Value
	}
	if p.Priority.Set && p.Priority.Value != nil {
		next.Priority = *p.Priority.Value
	}
	if p.Quadrant.Set && p.Quadrant.Value != nil {
		next.Quadrant = *p.Quadrant.Value
	} else if cur == nil {
		next.Quadrant = QuadrantFor(next.Importance, next.Urgency)
	}
	if p.Done.Set && p.Done.Value != nil {
		next.Done = *p.Done.Value
	}
	if p.Due.Set {
		next.Due = nil
		if p.Due.Value != nil {
			due := p.Due.Value.UTC()
			next.Due = &due
		}
	}
	if p.ReminderLeadMinutes.Set {
		next.ReminderLeadMinutes = nil
		if p.ReminderLeadMinutes.Value != nil {
			lead := *p.ReminderLeadMinutes.Value
			next.ReminderLeadMinutes = &lead
		}
	}
	if p.Delete {
		ts := now.UTC()
		next.Tombstoned = true
		next.TombstonedAt = &ts
	}

	if err := next.validate(); err != nil {
		return nil, false, err
	}
	return &next, true, nil
}

func (t *Task) validate() error {
	if err := validateTitle(t.Title); err != nil {
		return err
	}
	if utf8.RuneCountInString(t.Notes) > maxNotesLength {
		return invalid("notes", "is too long")
	}
	if !t.Quadrant.Valid() {
		return invalid("quadrant", "must be one of q1, q2, q3, q4")
	}
	if err := validateScore("importance", t.Importance); err != nil {
		return err
	}
	if err := validateScore("urgency", t.Urgency); err != nil {
		return err
	}
	if err := validateScore("priority", t.Priority); err != nil {
		return err
	}
	if t.ReminderLeadMinutes != nil && (*t.ReminderLeadMinutes < 0 || *t.ReminderLeadMinutes > maxLeadMinutes) {
		return invalid("reminderLeadMinutes", "must be between 0 and 43200")
	}
	return nil
}
