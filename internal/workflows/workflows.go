//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package workflows holds the reference graphs served by graphrun, from a
// research assistant with interview sub-graphs to a small counter loop.
package workflows

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Deps are the collaborators a workflow is built with.
type Deps struct {
	Model    Model
	Searcher Searcher
	Profiles ProfileStore
}

func (d Deps) withDefaults() Deps {
	if d.Model == nil {
		d.Model = NewOfflineModel()
	}
	if d.Searcher == nil {
		d.Searcher = StaticSearcher{}
	}
	if d.Profiles == nil {
		d.Profiles = MapProfiles{}
	}
	return d
}

// Workflow is a named graph with a way to build its start input.
type Workflow struct {
	Name        string
	Description string
	Build       func(Deps) (*graph.Graph, error)
	// Input turns key=value arguments into the start input of a thread.
	Input func(args map[string]string) (graph.State, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Workflow)
)

// Register adds w to the registry, replacing a workflow with the same name.
func Register(w Workflow) {
	mu.Lock()
	defer mu.Unlock()
	registry[w.Name] = w
}

// Lookup returns the workflow registered as name.
func Lookup(name string) (Workflow, bool) {
	mu.RLock()
	defer mu.RUnlock()
	w, ok := registry[name]
	return w, ok
}

// Names returns the registered workflow names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build builds the workflow registered as name.
func Build(name string, deps Deps) (*graph.Graph, error) {
	w, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return w.Build(deps.withDefaults())
}

func init() {
	Register(Workflow{
		Name:        ResearchAssistant,
		Description: "analysts reviewed by a human, one interview sub-graph per analyst, joined into a report",
		Build:       NewResearchAssistant,
		Input: func(args map[string]string) (graph.State, error) {
			topic := args[keyTopic]
			if topic == "" {
				return nil, fmt.Errorf("%s is required", keyTopic)
			}
			maxAnalysts, err := intArg(args, keyMaxAnalysts, defaultMaxAnalysts)
			if err != nil {
				return nil, err
			}
			turns, err := intArg(args, keyMaxNumTurns, defaultMaxNumTurns)
			if err != nil {
				return nil, err
			}
			return graph.State{keyTopic: topic, keyMaxAnalysts: maxAnalysts, keyMaxNumTurns: turns}, nil
		},
	})
	Register(Workflow{
		Name:        Questionnaire,
		Description: "fills an info pack by asking the user for every unknown field",
		Build:       NewQuestionnaire,
		Input: func(args map[string]string) (graph.State, error) {
			scenario := args[keyScenario]
			if scenario == "" {
				scenario = ScenarioInjury
			}
			if _, ok := scenarioFields[scenario]; !ok {
				return nil, fmt.Errorf("unknown scenario %q", scenario)
			}
			return graph.State{keyScenario: scenario, keyUserID: args[keyUserID]}, nil
		},
	})
	Register(Workflow{
		Name:        Counter,
		Description: "increments a counter until it reaches a limit, asking for approval on the way",
		Build:       NewCounter,
		Input: func(args map[string]string) (graph.State, error) {
			limit, err := intArg(args, keyLimit, defaultLimit)
			if err != nil {
				return nil, err
			}
			return graph.State{keyLimit: limit}, nil
		},
	})
	Register(Workflow{
		Name:        SummaryChat,
		Description: "multi-turn chat that folds old messages into a running summary",
		Build:       NewSummaryChat,
		Input: func(args map[string]string) (graph.State, error) {
			text := args["message"]
			if text == "" {
				return nil, fmt.Errorf("message is required")
			}
			return graph.State{graph.StateKeyMessages: []graph.Message{graph.NewUserMessage(text)}}, nil
		},
	})
	Register(Workflow{
		Name:        SearchWeb,
		Description: "searches the web and wikipedia in parallel and answers from both",
		Build:       NewSearchWeb,
		Input: func(args map[string]string) (graph.State, error) {
			question := args[keyQuestion]
			if question == "" {
				return nil, fmt.Errorf("%s is required", keyQuestion)
			}
			return graph.State{keyQuestion: question}, nil
		},
	})
	Register(Workflow{
		Name:        HumanInTheLoop,
		Description: "tool calling agent that asks the user for missing facts",
		Build:       NewHumanInTheLoop,
		Input: func(args map[string]string) (graph.State, error) {
			text := args["message"]
			if text == "" {
				text = defaultAgentRequest
			}
			return graph.State{graph.StateKeyMessages: []graph.Message{graph.NewUserMessage(text)}}, nil
		},
	})
}

func intArg(args map[string]string, key string, def int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
