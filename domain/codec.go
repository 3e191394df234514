package domain

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// EncodeRecord serialises a record for the local store and the sync queue.
func EncodeRecord(r Record) ([]byte, error) {
	return sonic.Marshal(r)
}

// DecodeRecord parses a record previously produced by EncodeRecord.
func DecodeRecord(kind EntityType, data []byte) (Record, error) {
	switch kind {
	case EntityBoard:
		var b Board
		if err := sonic.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case EntityTask:
		var t Task
		if err := sonic.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
}

// WithVersion returns a copy of r carrying version v.
func WithVersion(r Record, v int64) Record {
	switch rec := r.(type) {
	case *Board:
		cp := *rec
		cp.Version = v
		return &cp
	case *Task:
		cp := *rec
		cp.Version = v
		return &cp
	}
	return r
}

// Stamp returns a copy of r carrying version v and update time at.
func Stamp(r Record, v int64, at time.Time) Record {
	switch rec := r.(type) {
	case *Board:
		cp := *rec
		cp.Version = v
		cp.UpdatedAt = at.UTC()
		return &cp
	case *Task:
		cp := *rec
		cp.Version = v
		cp.UpdatedAt = at.UTC()
		return &cp
	}
	return r
}
