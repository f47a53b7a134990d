//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides SQLite-based checkpoint storage implementation
// for graph execution state persistence and recovery.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	_ "modernc.org/sqlite" // Registers the "sqlite" driver.

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"step INTEGER NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"status TEXT NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, step)" +
		")"

	sqliteInsertCheckpoint = "INSERT INTO checkpoints (" +
		"thread_id, step, checkpoint_id, parent_checkpoint_id, status, ts, checkpoint_json) " +
		"SELECT ?, ?, ?, ?, ?, ?, ? " +
		"WHERE NOT EXISTS (SELECT 1 FROM checkpoints WHERE thread_id = ? AND step >= ?)"

	sqliteSelectByStep = "SELECT checkpoint_json FROM checkpoints WHERE thread_id = ? AND step = ?"

	sqliteSelectLatest = "SELECT checkpoint_json FROM checkpoints WHERE thread_id = ? " +
		"ORDER BY step DESC LIMIT 1"

	sqliteSelectPage = "SELECT step, checkpoint_json FROM checkpoints WHERE thread_id = ? AND step > ? " +
		"ORDER BY step ASC LIMIT ?"

	sqliteDeleteThread = "DELETE FROM checkpoints WHERE thread_id = ?"

	defaultPageSize = 64
)

// Saver is a SQLite-backed implementation of CheckpointSaver.
// It expects an initialized *sql.DB and will create the required schema.
type Saver struct {
	db       *sql.DB
	ownsDB   bool
	pageSize int
}

// Option configures a Saver.
type Option func(*Saver)

// WithPageSize sets how many checkpoints History reads per query.
func WithPageSize(n int) Option {
	return func(s *Saver) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSaver creates a new saver using the provided DB.
// The DB must use a SQLite driver. The constructor creates tables if needed.
func NewSaver(db *sql.DB, opts ...Option) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	s := &Saver{db: db, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open opens the SQLite database at dsn and creates a saver that closes it
// on Close.
func Open(dsn string, opts ...Option) (*Saver, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	// Other processes may write the same file.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	s, err := NewSaver(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying database.
func (s *Saver) DB() *sql.DB {
	return s.db
}

// Put appends a checkpoint. The insert only happens when no checkpoint at
// the same or a later step exists, which keeps the log append-only without
// a read-then-write race.
func (s *Saver) Put(ctx context.Context, ckpt *graph.Checkpoint) error {
	if ckpt == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if ckpt.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	data, err := graph.EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqliteInsertCheckpoint,
		ckpt.ThreadID,
		ckpt.Step,
		ckpt.ID,
		ckpt.ParentID,
		string(ckpt.Status),
		ckpt.Timestamp.UnixNano(),
		data,
		ckpt.ThreadID,
		ckpt.Step,
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: thread %s step %d", graph.ErrStepConflict, ckpt.ThreadID, ckpt.Step)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: thread %s step %d", graph.ErrStepConflict, ckpt.ThreadID, ckpt.Step)
	}
	return nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get returns the checkpoint of threadID at step.
func (s *Saver) Get(ctx context.Context, threadID string, step int) (*graph.Checkpoint, error) {
	return s.queryOne(ctx, sqliteSelectByStep, threadID, step)
}

// Latest returns the newest checkpoint of threadID.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	return s.queryOne(ctx, sqliteSelectLatest, threadID)
}

func (s *Saver) queryOne(ctx context.Context, query string, args ...any) (*graph.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return graph.DecodeCheckpoint(data)
}

// History yields the checkpoints of threadID oldest first, reading them a
// page at a time.
func (s *Saver) History(ctx context.Context, threadID string) iter.Seq2[*graph.Checkpoint, error] {
	return func(yield func(*graph.Checkpoint, error) bool) {
		after := -1
		for {
			page, last, err := s.page(ctx, threadID, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = last
		}
	}
}

func (s *Saver) page(ctx context.Context, threadID string, after int) ([]*graph.Checkpoint, int, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectPage, threadID, after, s.pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()
	var (
		out  []*graph.Checkpoint
		last = after
	)
	for rows.Next() {
		var (
			step int
			data []byte
		)
		if err := rows.Scan(&step, &data); err != nil {
			return nil, 0, fmt.Errorf("scan checkpoint: %w", err)
		}
		c, err := graph.DecodeCheckpoint(data)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
		last = step
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, last, nil
}

// DeleteThread deletes all checkpoints of the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThread, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database when the saver opened it.
func (s *Saver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
