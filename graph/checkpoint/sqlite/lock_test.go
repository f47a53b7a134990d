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
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// openPair opens the same database file twice, as two processes would.
func openPair(t *testing.T) (*Saver, *Saver) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestLockerAcrossConnections(t *testing.T) {
	a, b := openPair(t)
	la, err := NewLocker(a.DB())
	require.NoError(t, err)
	lb, err := NewLocker(b.DB())
	require.NoError(t, err)
	ctx := context.Background()

	unlock, err := la.TryLock(ctx, "t1")
	require.NoError(t, err)
	_, err = lb.TryLock(ctx, "t1")
	assert.ErrorIs(t, err, graph.ErrThreadBusy)

	other, err := lb.TryLock(ctx, "t2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := lb.TryLock(ctx, "t1")
	require.NoError(t, err)
	again()
}

func TestLockerTakesOverExpiredLease(t *testing.T) {
	a, b := openPair(t)
	la, err := NewLocker(a.DB(), WithLockTTL(time.Minute))
	require.NoError(t, err)
	lb, err := NewLocker(b.DB(), WithLockTTL(time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	stale, err := la.TryLock(ctx, "t1")
	require.NoError(t, err)

	lb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	unlock, err := lb.TryLock(ctx, "t1")
	require.NoError(t, err)

	// The stale holder's release leaves the new lease alone.
	stale()
	lb.now = time.Now
	_, err = la.TryLock(ctx, "t1")
	assert.ErrorIs(t, err, graph.ErrThreadBusy)
	unlock()
}

func TestNewLockerNilDB(t *testing.T) {
	_, err := NewLocker(nil)
	assert.Error(t, err)
}

func TestExecutorsShareThreadLock(t *testing.T) {
	a, b := openPair(t)
	la, err := NewLocker(a.DB())
	require.NoError(t, err)
	lb, err := NewLocker(b.DB())
	require.NoError(t, err)

	schema := graph.NewStateSchema().AddField("n", graph.StateField{Type: reflect.TypeOf(0)})
	g := graph.NewStateGraph(schema).
		AddNode("inc", func(ctx context.Context, s graph.State) (any, error) {
			n, _ := s["n"].(int)
			return graph.State{"n": n + 1}, nil
		}).
		SetEntryPoint("inc").
		MustCompile()
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(a), graph.WithThreadLocker(la))
	require.NoError(t, err)
	defer exec.Close()
	ctx := context.Background()

	held, err := lb.TryLock(ctx, "shared")
	require.NoError(t, err)
	_, _, err = exec.Invoke(ctx, "shared", nil)
	var busy *graph.ThreadBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "shared", busy.ThreadID)

	held()
	state, _, err := exec.Invoke(ctx, "shared", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, state["n"])
}
