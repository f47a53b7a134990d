//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

const defaultLockTTL = 30 * time.Second

var (
	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker is a graph.ThreadLocker backed by Redis SET NX. A held lock is
// renewed every third of its TTL until it is released, so a crashed holder
// frees the thread after one TTL.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
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

// WithLockPrefix sets the key prefix of locks.
func WithLockPrefix(prefix string) LockerOption {
	return func(l *Locker) { l.prefix = prefix }
}

// NewLocker creates a locker on client.
func NewLocker(client redis.UniversalClient, opts ...LockerOption) *Locker {
	l := &Locker{client: client, prefix: defaultKeyPrefix, ttl: defaultLockTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(threadID string) string {
	return l.prefix + "{" + threadID + "}:lock"
}

// TryLock acquires the lock of threadID or returns graph.ErrThreadBusy.
func (l *Locker) TryLock(ctx context.Context, threadID string) (func(), error) {
	if err := checkThreadID(threadID); err != nil {
		return nil, err
	}
	key := l.key(threadID)
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", threadID, err)
	}
	if !ok {
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
				renewed, err := renewScript.Run(context.Background(), l.client, []string{key},
					token, l.ttl.Milliseconds()).Int()
				if err != nil {
					log.Warnf("renew lock of thread %s: %v", threadID, err)
					continue
				}
				if renewed == 0 {
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
			if err := unlockScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
				log.Warnf("unlock thread %s: %v", threadID, err)
			}
		})
	}, nil
}
