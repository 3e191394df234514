package syncer

import (
	"context"
	"errors"

	"prism-sync/domain"
)

// Subscribe registers cb for changes to one record, or to every record of
// kind when id is empty. Callbacks run after the change is committed and
// receive nil when the record was purged. The returned func cancels the
// subscription.
func (e *Engine) Subscribe(kind domain.EntityType, id string, cb func(domain.Record)) (cancel func()) {
	key := subKey{kind: kind, id: id}
	e.subMu.Lock()
	n := e.nextSub
	e.nextSub++
	if e.subs[key] == nil {
		e.subs[key] = make(map[int]func(domain.Record))
	}
	e.subs[key][n] = cb
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs[key], n)
		if len(e.subs[key]) == 0 {
			delete(e.subs, key)
		}
	}
}

func (e *Engine) notify(kind domain.EntityType, id string, rec domain.Record) {
	e.subMu.Lock()
	var cbs []func(domain.Record)
	for _, key := range []subKey{{kind, id}, {kind, ""}} {
		for _, cb := range e.subs[key] {
			cbs = append(cbs, cb)
		}
	}
	e.subMu.Unlock()
	for _, cb := range cbs {
		cb(rec)
	}
}

// NotifyExternal is called when another instance changed a record in the
// shared Local Store. It re-reads the record for local subscribers and lets
// the observer catch up on task reminders.
func (e *Engine) NotifyExternal(ctx context.Context, kind domain.EntityType, id string) error {
	rec, err := e.store.Get(ctx, kind, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rec = nil
	case err != nil:
		return err
	}
	if kind == domain.EntityTask && e.opts.Observer != nil {
		if err := e.opts.Observer.Reload(ctx, id); err != nil {
			return err
		}
	}
	e.notify(kind, id, rec)
	return nil
}
