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
	keyQuestion = "question"
	keyAnswer   = "answer"
)

// NewSearchWeb builds a question answering graph. The web and wikipedia
// searches run in the same step and append to context; the answer node
// runs once both are merged.
func NewSearchWeb(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	schema := graph.NewStateSchema().
		AddField(keyQuestion, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyAnswer, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyContext, graph.StateField{
			Type:    reflect.TypeOf([]string{}),
			Reducer: graph.AppendReducer,
			Default: func() any { return []string{} },
		})
	s := &answerer{model: deps.Model, searcher: deps.Searcher}
	return graph.NewStateGraph(schema).
		AddNode(nodeSearchWeb, s.search(sourceWeb)).
		AddNode(nodeSearchWikipedia, s.search(sourceWikipedia)).
		AddNode(nodeGenerateAnswer, s.generateAnswer).
		AddEdge(graph.Start, nodeSearchWeb).
		AddEdge(graph.Start, nodeSearchWikipedia).
		AddEdge(nodeSearchWeb, nodeGenerateAnswer).
		AddEdge(nodeSearchWikipedia, nodeGenerateAnswer).
		SetFinishPoint(nodeGenerateAnswer).
		Compile()
}

type answerer struct {
	model    Model
	searcher Searcher
}

func (s *answerer) search(source string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		question, _ := state[keyQuestion].(string)
		docs, err := s.searcher.Search(ctx, source, question)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", source, err)
		}
		return graph.State{keyContext: []string{formatDocuments(source, docs)}}, nil
	}
}

func (s *answerer) generateAnswer(ctx context.Context, state graph.State) (any, error) {
	question, _ := state[keyQuestion].(string)
	docs, _ := state[keyContext].([]string)
	system := "You are an assistant for question-answering tasks. " +
		"Use the following pieces of retrieved context to answer the question. " +
		"If you don't know the answer, say that you don't know.\n\n" +
		strings.Join(docs, "\n\n")
	answer, err := ask(ctx, s.model, system, question)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return graph.State{keyAnswer: answer}, nil
}
