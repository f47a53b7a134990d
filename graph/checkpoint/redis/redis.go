//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides Redis-based checkpoint storage and a distributed
// thread lock, so several processes can share the threads of a graph.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

const (
	defaultKeyPrefix = "trpc-graph:"
	defaultPageSize  = 64
)

// ErrInvalidThreadID is returned for thread IDs containing braces, which
// would change the hash tag of the thread's keys.
var ErrInvalidThreadID = errors.New("redis thread id must not contain '{' or '}'")

func checkThreadID(threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if strings.ContainsAny(threadID, "{}") {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	return nil
}

// putScript appends a checkpoint unless the thread already has one at the
// same or a later step.
// KEYS[1] step index, KEYS[2] checkpoint key.
// ARGV[1] step, ARGV[2] payload, ARGV[3] ttl in ms.
var putScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if top[2] ~= nil and tonumber(top[2]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// Saver is a Redis-backed implementation of CheckpointSaver. Each thread
// has a sorted set of its steps and one key per checkpoint.
type Saver struct {
	client     redis.UniversalClient
	ownsClient bool
	opts       options
}

type options struct {
	url      string
	instance string
	prefix   string
	ttl      time.Duration
	pageSize int
}

// Option configures a Saver.
type Option func(*options)

// WithRedisClientURL connects to the server at url.
func WithRedisClientURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithRedisInstance uses an instance registered in storage/redis.
func WithRedisInstance(name string) Option {
	return func(o *options) { o.instance = name }
}

// WithKeyPrefix sets the prefix of every key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL expires the checkpoints of a thread ttl after its last write.
// Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithPageSize sets how many checkpoints History fetches per round trip.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: defaultKeyPrefix, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSaver creates a saver with its own client, built from the URL or the
// registered instance.
func NewSaver(opts ...Option) (*Saver, error) {
	o := newOptions(opts)
	var (
		client redis.UniversalClient
		err    error
	)
	switch {
	case o.url != "":
		client, err = storage.NewClient(storage.WithClientBuilderURL(o.url))
		if err != nil {
			return nil, fmt.Errorf("create redis client from url failed: %w", err)
		}
	case o.instance != "":
		client, err = storage.NewInstanceClient(o.instance)
		if err != nil {
			return nil, fmt.Errorf("create redis client from instance failed: %w", err)
		}
	default:
		return nil, errors.New("redis url or instance is required")
	}
	return &Saver{client: client, ownsClient: true, opts: o}, nil
}

// NewFromClient creates a saver on an existing client. Close leaves the
// client open.
func NewFromClient(client redis.UniversalClient, opts ...Option) *Saver {
	return &Saver{client: client, opts: newOptions(opts)}
}

// Client returns the underlying client.
func (s *Saver) Client() redis.UniversalClient {
	return s.client
}

// The thread ID is a hash tag so that all keys of a thread share a slot.
func (s *Saver) stepsKey(threadID string) string {
	return s.opts.prefix + "{" + threadID + "}:steps"
}

func (s *Saver) checkpointKey(threadID string, step int) string {
	return s.opts.prefix + "{" + threadID + "}:ckpt:" + strconv.Itoa(step)
}

// Put appends a checkpoint to its thread.
func (s *Saver) Put(ctx context.Context, ckpt *graph.Checkpoint) error {
	if ckpt == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if err := checkThreadID(ckpt.ThreadID); err != nil {
		return err
	}
	data, err := graph.EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}
	keys := []string{s.stepsKey(ckpt.ThreadID), s.checkpointKey(ckpt.ThreadID, ckpt.Step)}
	ok, err := putScript.Run(ctx, s.client, keys, ckpt.Step, data, s.opts.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis put checkpoint %s/%d: %w", ckpt.ThreadID, ckpt.Step, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: thread %s step %d", graph.ErrStepConflict, ckpt.ThreadID, ckpt.Step)
	}
	return nil
}

// Get returns the checkpoint of threadID at step.
func (s *Saver) Get(ctx context.Context, threadID string, step int) (*graph.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(threadID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint %s/%d: %w", threadID, step, err)
	}
	return graph.DecodeCheckpoint(data)
}

// Latest returns the newest checkpoint of threadID.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	steps, err := s.client.ZRevRange(ctx, s.stepsKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis latest step %s: %w", threadID, err)
	}
	if len(steps) == 0 {
		return nil, nil
	}
	step, err := strconv.Atoi(steps[0])
	if err != nil {
		return nil, fmt.Errorf("redis latest step %s: %w", threadID, err)
	}
	return s.Get(ctx, threadID, step)
}

// History yields the checkpoints of threadID oldest first, fetching a page
// of steps and their payloads per round trip.
func (s *Saver) History(ctx context.Context, threadID string) iter.Seq2[*graph.Checkpoint, error] {
	return func(yield func(*graph.Checkpoint, error) bool) {
		lower := "-inf"
		for {
			steps, err := s.client.ZRangeByScore(ctx, s.stepsKey(threadID), &redis.ZRangeBy{
				Min:   lower,
				Max:   "+inf",
				Count: int64(s.opts.pageSize),
			}).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redis history %s: %w", threadID, err))
				return
			}
			if len(steps) == 0 {
				return
			}
			keys := make([]string, len(steps))
			for i, step := range steps {
				keys[i] = s.opts.prefix + "{" + threadID + "}:ckpt:" + step
			}
			payloads, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redis history %s: %w", threadID, err))
				return
			}
			for _, p := range payloads {
				str, ok := p.(string)
				if !ok {
					// Expired between the two reads.
					continue
				}
				c, err := graph.DecodeCheckpoint([]byte(str))
				if !yield(c, err) || err != nil {
					return
				}
			}
			if len(steps) < s.opts.pageSize {
				return
			}
			lower = "(" + steps[len(steps)-1]
		}
	}
}

// DeleteThread removes every checkpoint of threadID.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	stepsKey := s.stepsKey(threadID)
	steps, err := s.client.ZRange(ctx, stepsKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis delete thread %s: %w", threadID, err)
	}
	keys := []string{stepsKey}
	for _, step := range steps {
		keys = append(keys, s.opts.prefix+"{"+threadID+"}:ckpt:"+step)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete thread %s: %w", threadID, err)
	}
	return nil
}

// Close closes the client when the saver created it.
func (s *Saver) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
