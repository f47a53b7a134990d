//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

const (
	sqliteCreateLocks = "CREATE TABLE IF NOT EXISTS thread_locks (" +
		"thread_id TEXT PRIMARY KEY, " +
		"token TEXT NOT NULL, " +
		"expires_at INTEGER NOT NULL" +
		")"

	// The upsert only takes over a row whose lease has expired.
	sqliteAcquireLock = "INSERT INTO thread_locks (thread_id, token, expires_at) VALUES (?, ?, ?) " +
		"ON CONFLICT(thread_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at " +
		"WHERE thread_locks.expires_at < ?"

	sqliteRenewLock = "UPDATE thread_locks SET expires_at = ? WHERE thread_id = ? AND token = ?"

	sqliteReleaseLock = "DELETE FROM thread_locks WHERE thread_id = ? AND token = ?"

	defaultLockTTL = 30 * time.Second
)

// Locker is a graph.ThreadLocker backed by a lease table, so processes that
// share a database file also share thread locks. A held lock is renewed
// every third of its TTL until it is released; a crashed holder frees the
// thread after one TTL.
type Locker struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithLockTTL sets the lease of a lock.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLocker creates a locker on db and creates its table if needed.
func NewLocker(db *sql.DB, opts ...LockerOption) (*Locker, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateLocks); err != nil {
		return nil, fmt.Errorf("create thread_locks table: %w", err)
	}
	l := &Locker{db: db, ttl: defaultLockTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Locker) deadline() int64 {
	return l.now().Add(l.ttl).UnixMilli()
}

// TryLock acquires the lock of threadID or returns graph.ErrThreadBusy.
func (l *Locker) TryLock(ctx context.Context, threadID string) (func(), error) {
	token := uuid.New().String()
	res, err := l.db.ExecContext(ctx, sqliteAcquireLock, threadID, token, l.deadline(), l.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite lock %s: %w", threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite lock %s: %w", threadID, err)
	}
	if n == 0 {
		return nil, graph.ErrThreadBusy
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				res, err := l.db.Exec(sqliteRenewLock, l.deadline(), threadID, token)
				if err != nil {
					log.Warnf("renew lock of thread %s: %v", threadID, err)
					continue
				}
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					log.Warnf("lock of thread %s was lost", threadID)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if _, err := l.db.Exec(sqliteReleaseLock, threadID, token); err != nil {
				log.Warnf("unlock thread %s: %v", threadID, err)
			}
		})
	}, nil
}
