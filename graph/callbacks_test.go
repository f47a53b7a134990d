//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeforeStopsAtCustomResult(t *testing.T) {
	var order []string
	cbs := NewNodeCallbacks().
		RegisterBeforeNode(func(context.Context, *NodeCallbackContext, State) (any, error) {
			order = append(order, "first")
			return nil, nil
		}).
		RegisterBeforeNode(func(context.Context, *NodeCallbackContext, State) (any, error) {
			order = append(order, "second")
			return State{"skipped": true}, nil
		}).
		RegisterBeforeNode(func(context.Context, *NodeCallbackContext, State) (any, error) {
			order = append(order, "third")
			return nil, nil
		})
	called := false
	got, err := cbs.invoke(context.Background(), &NodeCallbackContext{NodeID: "n"},
		func(context.Context, State) (any, error) {
			called = true
			return nil, nil
		}, State{})
	require.NoError(t, err)
	assert.Equal(t, State{"skipped": true}, got)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, called)
}

func TestBeforeError(t *testing.T) {
	boom := errors.New("boom")
	cbs := NewNodeCallbacks().RegisterBeforeNode(func(context.Context, *NodeCallbackContext, State) (any, error) {
		return nil, boom
	})
	_, err := cbs.invoke(context.Background(), &NodeCallbackContext{}, func(context.Context, State) (any, error) {
		return State{}, nil
	}, State{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "before node callback")
}

func TestAfterChainsResults(t *testing.T) {
	cbs := NewNodeCallbacks().
		RegisterAfterNode(func(_ context.Context, _ *NodeCallbackContext, _ State, result any, _ error) (any, error) {
			return State{"n": result.(State)["n"].(int) + 1}, nil
		}).
		RegisterAfterNode(func(_ context.Context, _ *NodeCallbackContext, _ State, result any, _ error) (any, error) {
			return nil, nil
		})
	got, err := cbs.after(context.Background(), &NodeCallbackContext{}, State{}, State{"n": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, State{"n": 2}, got)
}

func TestAfterSeesNodeError(t *testing.T) {
	boom := errors.New("boom")
	var seen error
	cbs := NewNodeCallbacks().RegisterAfterNode(
		func(_ context.Context, _ *NodeCallbackContext, _ State, _ any, nodeErr error) (any, error) {
			seen = nodeErr
			return nil, nil
		})
	_, err := cbs.invoke(context.Background(), &NodeCallbackContext{}, func(context.Context, State) (any, error) {
		return nil, boom
	}, State{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestInvokeSkipsAfterOnInterrupt(t *testing.T) {
	calls := 0
	cbs := NewNodeCallbacks().RegisterAfterNode(
		func(context.Context, *NodeCallbackContext, State, any, error) (any, error) {
			calls++
			return nil, nil
		})
	_, err := cbs.invoke(context.Background(), &NodeCallbackContext{}, func(context.Context, State) (any, error) {
		return nil, &InterruptError{Value: "q"}
	}, State{})
	assert.True(t, IsInterruptError(err))
	assert.Zero(t, calls)
}

func TestInvokeRecoversPanic(t *testing.T) {
	_, err := NewNodeCallbacks().invoke(context.Background(), &NodeCallbackContext{NodeID: "p"},
		func(context.Context, State) (any, error) { panic("kaboom") }, State{})
	assert.ErrorContains(t, err, "node p panicked: kaboom")
}

func TestFailedHooks(t *testing.T) {
	var seen []error
	boom := errors.New("boom")
	cbs := NewNodeCallbacks().RegisterOnNodeError(func(_ context.Context, _ *NodeCallbackContext, _ State, err error) {
		seen = append(seen, err)
	})
	cbs.failed(context.Background(), &NodeCallbackContext{}, State{}, boom)
	assert.Equal(t, []error{boom}, seen)
}

func TestMergeCallbacks(t *testing.T) {
	var order []string
	mk := func(name string) *NodeCallbacks {
		return NewNodeCallbacks().RegisterBeforeNode(func(context.Context, *NodeCallbackContext, State) (any, error) {
			order = append(order, name)
			return nil, nil
		})
	}
	merged := mergeCallbacks(mk("executor"), nil, mk("node"))
	_, err := merged.before(context.Background(), &NodeCallbackContext{}, State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"executor", "node"}, order)
	assert.Empty(t, mergeCallbacks().BeforeNode)
}
