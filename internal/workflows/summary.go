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

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	keySummary = "summary"

	nodeConversation = "conversation"
	nodeSummarize    = "summarize_conversation"

	// summarizeAfter is the number of messages that triggers a summary.
	summarizeAfter = 6
	// keepMessages is the number of latest messages kept after summarizing.
	keepMessages = 2
)

// NewSummaryChat builds a chat that answers with the running summary as
// context and folds everything but the latest exchange into that summary
// once the history grows. Each turn is a Continue on the same thread.
func NewSummaryChat(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	schema := graph.MessagesStateSchema().
		AddField(keySummary, graph.StateField{
			Type:    reflect.TypeOf(""),
			Default: func() any { return "" },
		})
	c := &chat{model: deps.Model}
	return graph.NewStateGraph(schema).
		AddNode(nodeConversation, c.callModel).
		AddNode(nodeSummarize, c.summarize).
		SetEntryPoint(nodeConversation).
		AddConditionalEdges(nodeConversation, shouldSummarize, nil).
		SetFinishPoint(nodeSummarize).
		Compile()
}

type chat struct {
	model Model
}

func (c *chat) callModel(ctx context.Context, state graph.State) (any, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	if summary, _ := state[keySummary].(string); summary != "" {
		messages = append([]graph.Message{
			graph.NewSystemMessage("Summary of conversation earlier: " + summary),
		}, messages...)
	}
	reply, err := c.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("call model: %w", err)
	}
	return graph.State{graph.StateKeyMessages: []graph.Message{reply}}, nil
}

func shouldSummarize(ctx context.Context, state graph.State) (string, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	if len(messages) > summarizeAfter {
		return nodeSummarize, nil
	}
	return graph.End, nil
}

func (c *chat) summarize(ctx context.Context, state graph.State) (any, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	summary, _ := state[keySummary].(string)
	instruction := "Create a summary of the conversation above:"
	if summary != "" {
		instruction = fmt.Sprintf("This is summary of the conversation to date: %s\n\n"+
			"Extend the summary by taking into account the new messages above:", summary)
	}
	prompt := append(append([]graph.Message{}, messages...), graph.NewUserMessage(instruction))
	reply, err := c.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	var removals []graph.Message
	if len(messages) > keepMessages {
		for _, m := range messages[:len(messages)-keepMessages] {
			removals = append(removals, graph.RemoveMessage(m.ID))
		}
	}
	return graph.State{keySummary: reply.Content, graph.StateKeyMessages: removals}, nil
}
