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
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	nodeAgent    = "agent"
	nodeAction   = "action"
	nodeAskHuman = "askHuman"

	toolAskHuman = "askHuman"
	toolSearch   = "search"

	locationPrompt = "Please provide your location:"

	defaultAgentRequest = "Use the search tool to ask the user where they are, then look up the weather there"
)

var agentTools = []Tool{
	{Name: toolAskHuman, Description: "Ask the human for input."},
	{Name: toolSearch, Description: "Call to surf the web."},
}

// NewHumanInTheLoop builds a tool calling agent. The agent loops through the
// action node for searches and through askHuman, which suspends the thread
// until the user answers, for questions to the user.
func NewHumanInTheLoop(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	a := &agent{model: deps.Model, searcher: deps.Searcher}
	return graph.NewStateGraph(graph.MessagesStateSchema()).
		AddNode(nodeAgent, a.callModel).
		AddNode(nodeAction, a.runTools).
		AddNode(nodeAskHuman, askHuman).
		SetEntryPoint(nodeAgent).
		AddConditionalEdges(nodeAgent, shouldContinue, nil).
		AddEdge(nodeAction, nodeAgent).
		AddEdge(nodeAskHuman, nodeAgent).
		Compile()
}

type agent struct {
	model    Model
	searcher Searcher
}

func (a *agent) callModel(ctx context.Context, state graph.State) (any, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	reply, err := generate(ctx, a.model, messages, agentTools)
	if err != nil {
		return nil, fmt.Errorf("call model: %w", err)
	}
	reply.Role = graph.RoleAssistant
	return graph.State{graph.StateKeyMessages: []graph.Message{reply}}, nil
}

func lastMessage(state graph.State) (graph.Message, bool) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	if len(messages) == 0 {
		return graph.Message{}, false
	}
	return messages[len(messages)-1], true
}

func shouldContinue(ctx context.Context, state graph.State) (string, error) {
	last, ok := lastMessage(state)
	if !ok || len(last.ToolCalls) == 0 {
		return graph.End, nil
	}
	if last.ToolCalls[0].Name == toolAskHuman {
		return nodeAskHuman, nil
	}
	return nodeAction, nil
}

// runTools answers every tool call of the last message. Failures become
// the content of the tool message so the model can react to them.
func (a *agent) runTools(ctx context.Context, state graph.State) (any, error) {
	last, _ := lastMessage(state)
	results := make([]graph.Message, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		var content string
		switch call.Name {
		case toolSearch:
			input, _ := call.Arguments["input"].(string)
			docs, err := a.searcher.Search(ctx, sourceWeb, input)
			if err != nil {
				content = fmt.Sprintf("Error: %v", err)
			} else {
				content = strings.Join(docs, "\n")
			}
		default:
			content = fmt.Sprintf("Error: %s is not a valid tool", call.Name)
		}
		results = append(results, graph.NewToolMessage(call.ID, call.Name, content))
	}
	return graph.State{graph.StateKeyMessages: results}, nil
}

func askHuman(ctx context.Context, state graph.State) (any, error) {
	last, _ := lastMessage(state)
	if len(last.ToolCalls) == 0 {
		return nil, fmt.Errorf("%s: last message has no tool call", nodeAskHuman)
	}
	location, err := graph.InterruptAs[string](ctx, locationPrompt)
	if err != nil {
		return nil, err
	}
	return graph.State{graph.StateKeyMessages: []graph.Message{
		graph.NewToolMessage(last.ToolCalls[0].ID, toolAskHuman, location),
	}}, nil
}
