//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package workflows

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	keyCounter  = "counter"
	keyLimit    = "limit"
	keyApproved = "approved"
	keyStatus   = "status"

	nodeIncrement       = "increment"
	nodeRequestApproval = "request_approval"
	nodeFinalize        = "finalize"

	defaultLimit = 3

	statusApproved = "approved"
	statusRejected = "rejected"
)

// NewCounter builds a loop that increments a counter up to its limit and
// then asks for approval before finalizing.
func NewCounter(Deps) (*graph.Graph, error) {
	schema := graph.NewStateSchema().
		AddField(keyCounter, graph.StateField{Type: reflect.TypeOf(0), Reducer: graph.SumReducer}).
		AddField(keyLimit, graph.StateField{
			Type:    reflect.TypeOf(0),
			Default: func() any { return defaultLimit },
		}).
		AddField(keyApproved, graph.StateField{Type: reflect.TypeOf(false)}).
		AddField(keyStatus, graph.StateField{Type: reflect.TypeOf("")})
	return graph.NewStateGraph(schema).
		AddNode(nodeIncrement, func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{keyCounter: 1}, nil
		}).
		AddNode(nodeRequestApproval, requestApproval).
		AddNode(nodeFinalize, func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{keyStatus: statusApproved}, nil
		}).
		SetEntryPoint(nodeIncrement).
		AddConditionalEdges(nodeIncrement, func(ctx context.Context, state graph.State) (string, error) {
			counter, _ := state[keyCounter].(int)
			limit, _ := state[keyLimit].(int)
			if counter >= limit {
				return nodeRequestApproval, nil
			}
			return nodeIncrement, nil
		}, nil).
		AddConditionalEdges(nodeRequestApproval, func(ctx context.Context, state graph.State) (string, error) {
			if approved, _ := state[keyApproved].(bool); approved {
				return nodeFinalize, nil
			}
			return graph.End, nil
		}, nil).
		SetFinishPoint(nodeFinalize).
		Compile()
}

func requestApproval(ctx context.Context, state graph.State) (any, error) {
	counter, _ := state[keyCounter].(int)
	answer, err := graph.InterruptAs[string](ctx, fmt.Sprintf("Counter reached %d. Approve? (yes/no)", counter))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return graph.State{keyApproved: true}, nil
	default:
		return graph.State{keyApproved: false, keyStatus: statusRejected}, nil
	}
}
