// Package storage is the client-resident Local Store: a durable,
// transactional SQLite database holding boards, tasks, the reminder schedule
// and the sync queue. It is the only store guaranteed to be available offline.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"prism-sync/domain"
)

//go:embed schema.sql
var schemaSQL string

// Store provides access to the Local Store.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates or opens the database at path and applies the schema.
//
// The database runs in WAL mode with a busy timeout so several client
// instances can share the same file; transactions take the write lock up
// front to avoid upgrade deadlocks between instances.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &domain.StorageError{Op: "open", Err: err}
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &domain.StorageError{Op: "schema", Err: err}
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Transaction runs fn in a read-modify-write transaction. The transaction
// commits only when fn returns nil; any error or panic rolls it back in full.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin", Err: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithError(rbErr).Warn("local store rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit", Err: err}
	}
	return nil
}

// Get loads a record. It returns domain.ErrNotFound when the record is missing.
func (s *Store) Get(ctx context.Context, kind domain.EntityType, id string) (domain.Record, error) {
	var rec domain.Record
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(kind, id)
		return err
	})
	return rec, err
}

// Put atomically writes a record, overwriting any record with the same id.
func (s *Store) Put(ctx context.Context, rec domain.Record) error {
	return s.Transaction(ctx, func(tx *Tx) error { return tx.Put(rec) })
}

// List returns every record of the given type accepted by pred. A nil pred
// accepts everything.
func (s *Store) List(ctx context.Context, kind domain.EntityType, pred func(domain.Record) bool) ([]domain.Record, error) {
	var out []domain.Record
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.List(kind, pred)
		return err
	})
	return out, err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StorageError{Op: op, Err: err}
}

func wrapf(op, format string, args ...any) error {
	return &domain.StorageError{Op: op, Err: fmt.Errorf(format, args...)}
}
