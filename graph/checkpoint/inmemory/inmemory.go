//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides in-memory checkpoint storage implementation
// for graph execution state persistence and recovery.
package inmemory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Saver provides an in-memory implementation of CheckpointSaver.
// Checkpoints are kept in their encoded form, so readers never share memory
// with the executor. This is suitable for testing and single-process use.
type Saver struct {
	mu      sync.RWMutex
	threads map[string][]stored // threadID -> checkpoints ordered by step
}

type stored struct {
	step int
	data []byte
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{threads: make(map[string][]stored)}
}

// Put appends a checkpoint to its thread.
func (s *Saver) Put(_ context.Context, ckpt *graph.Checkpoint) error {
	if ckpt == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if ckpt.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	data, err := graph.EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.threads[ckpt.ThreadID]
	if n := len(log); n > 0 && log[n-1].step >= ckpt.Step {
		return fmt.Errorf("%w: thread %s is at step %d, got %d",
			graph.ErrStepConflict, ckpt.ThreadID, log[n-1].step, ckpt.Step)
	}
	s.threads[ckpt.ThreadID] = append(log, stored{step: ckpt.Step, data: data})
	return nil
}

// Get returns the checkpoint of threadID at step.
func (s *Saver) Get(_ context.Context, threadID string, step int) (*graph.Checkpoint, error) {
	s.mu.RLock()
	log := s.threads[threadID]
	i := sort.Search(len(log), func(i int) bool { return log[i].step >= step })
	if i == len(log) || log[i].step != step {
		s.mu.RUnlock()
		return nil, nil
	}
	data := log[i].data
	s.mu.RUnlock()
	return graph.DecodeCheckpoint(data)
}

// Latest returns the newest checkpoint of threadID.
func (s *Saver) Latest(_ context.Context, threadID string) (*graph.Checkpoint, error) {
	s.mu.RLock()
	log := s.threads[threadID]
	if len(log) == 0 {
		s.mu.RUnlock()
		return nil, nil
	}
	data := log[len(log)-1].data
	s.mu.RUnlock()
	return graph.DecodeCheckpoint(data)
}

// History yields the checkpoints of threadID oldest first. It iterates over
// the checkpoints present when iteration starts.
func (s *Saver) History(ctx context.Context, threadID string) iter.Seq2[*graph.Checkpoint, error] {
	return func(yield func(*graph.Checkpoint, error) bool) {
		s.mu.RLock()
		log := append([]stored(nil), s.threads[threadID]...)
		s.mu.RUnlock()
		for _, st := range log {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c, err := graph.DecodeCheckpoint(st.data)
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// DeleteThread removes every checkpoint of threadID.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

// Threads returns the IDs of all stored threads, sorted.
func (s *Saver) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases resources held by the saver.
func (s *Saver) Close() error {
	return nil
}
