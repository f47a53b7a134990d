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
	"slices"
	"strings"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Model produces the next message of a conversation.
type Model interface {
	Generate(ctx context.Context, messages []graph.Message) (graph.Message, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, messages []graph.Message) (graph.Message, error)

// Generate implements Model.
func (f ModelFunc) Generate(ctx context.Context, messages []graph.Message) (graph.Message, error) {
	return f(ctx, messages)
}

// Tool describes a tool a model may ask to run.
type Tool struct {
	Name        string
	Description string
}

// ToolModel is a Model that can answer with tool calls.
type ToolModel interface {
	Model
	GenerateWithTools(ctx context.Context, messages []graph.Message, tools []Tool) (graph.Message, error)
}

// generate offers tools to models that support them. Other models answer
// in plain text, which ends a tool loop.
func generate(ctx context.Context, model Model, messages []graph.Message, tools []Tool) (graph.Message, error) {
	if tm, ok := model.(ToolModel); ok && len(tools) > 0 {
		return tm.GenerateWithTools(ctx, messages, tools)
	}
	return model.Generate(ctx, messages)
}

// OfflineModel answers deterministically from the last non-system message.
// It stands in for a language model when none is configured.
type OfflineModel struct {
	Name string
}

// NewOfflineModel creates an OfflineModel.
func NewOfflineModel() *OfflineModel {
	return &OfflineModel{Name: "offline"}
}

// Generate implements Model.
func (m *OfflineModel) Generate(ctx context.Context, messages []graph.Message) (graph.Message, error) {
	if err := ctx.Err(); err != nil {
		return graph.Message{}, err
	}
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != graph.RoleSystem {
			last = messages[i].Content
			break
		}
	}
	if last == "" {
		return graph.Message{}, fmt.Errorf("%s model: no prompt", m.Name)
	}
	return graph.NewAssistantMessage(m.Name, fmt.Sprintf("[%s] %s", m.Name, firstLine(last))), nil
}

// GenerateWithTools implements ToolModel. Since the latest user message it
// calls each tool once, in order, with the latest message as input, and
// then answers from the last tool result.
func (m *OfflineModel) GenerateWithTools(
	ctx context.Context,
	messages []graph.Message,
	tools []Tool,
) (graph.Message, error) {
	if err := ctx.Err(); err != nil {
		return graph.Message{}, err
	}
	turn := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == graph.RoleUser {
			turn = i
			break
		}
	}
	var called []string
	for _, msg := range messages[turn:] {
		for _, call := range msg.ToolCalls {
			called = append(called, call.Name)
		}
	}
	for _, tool := range tools {
		if slices.Contains(called, tool.Name) {
			continue
		}
		input := ""
		if len(messages) > 0 {
			input = firstLine(messages[len(messages)-1].Content)
		}
		msg := graph.NewAssistantMessage(m.Name, "")
		msg.ToolCalls = []graph.ToolCall{{
			ID:        uuid.NewString(),
			Name:      tool.Name,
			Arguments: map[string]any{"input": input},
		}}
		return msg, nil
	}
	return m.Generate(ctx, messages)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Searcher looks up documents for a query in a named source.
type Searcher interface {
	Search(ctx context.Context, source, query string) ([]string, error)
}

// StaticSearcher serves fixed documents per source.
type StaticSearcher map[string][]string

// Search implements Searcher.
func (s StaticSearcher) Search(ctx context.Context, source, query string) ([]string, error) {
	if docs, ok := s[source]; ok {
		return docs, nil
	}
	return []string{fmt.Sprintf("%s has no results for %q", source, query)}, nil
}

// ProfileStore returns what is already known about a user.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (map[string]string, error)
}

// MapProfiles is an in-memory ProfileStore.
type MapProfiles map[string]map[string]string

// Profile implements ProfileStore.
func (p MapProfiles) Profile(ctx context.Context, userID string) (map[string]string, error) {
	return p[userID], nil
}

// ask sends a system prompt and a user instruction to model.
func ask(ctx context.Context, model Model, system, instruction string) (string, error) {
	msg, err := model.Generate(ctx, []graph.Message{
		graph.NewSystemMessage(system),
		graph.NewUserMessage(instruction),
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}
