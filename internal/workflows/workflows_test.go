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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	checkpointinmemory "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func newTestExecutor(t *testing.T, name string, deps Deps) *graph.Executor {
	t.Helper()
	g, err := Build(name, deps)
	require.NoError(t, err)
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{Counter, HumanInTheLoop, Questionnaire, ResearchAssistant, SearchWeb, SummaryChat}, Names())
	_, err := Build("nope", Deps{})
	assert.ErrorContains(t, err, "unknown workflow")

	w, ok := Lookup(ResearchAssistant)
	require.True(t, ok)
	_, err = w.Input(map[string]string{})
	assert.ErrorContains(t, err, "topic is required")
	_, err = w.Input(map[string]string{keyTopic: "x", keyMaxAnalysts: "many"})
	assert.Error(t, err)
	input, err := w.Input(map[string]string{keyTopic: "x", keyMaxAnalysts: "2"})
	require.NoError(t, err)
	assert.Equal(t, graph.State{keyTopic: "x", keyMaxAnalysts: 2, keyMaxNumTurns: defaultMaxNumTurns}, input)

	w, _ = Lookup(Questionnaire)
	_, err = w.Input(map[string]string{keyScenario: "holiday"})
	assert.ErrorContains(t, err, "unknown scenario")

	w, _ = Lookup(SummaryChat)
	_, err = w.Input(nil)
	assert.Error(t, err)
}

func TestResearchAssistant(t *testing.T) {
	exec := newTestExecutor(t, ResearchAssistant, Deps{})
	ctx := context.Background()
	input := graph.State{keyTopic: "graph engines", keyMaxAnalysts: 2, keyMaxNumTurns: 1}

	_, interrupts, err := exec.Invoke(ctx, "r", input)
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, []string{nodeCreateAnalysts, nodeHumanFeedback}, interrupts[0].Path)

	// Feedback regenerates the analysts and asks again.
	_, interrupts, err = exec.InvokeResume(ctx, "r", graph.NewResumeCommand("add a lawyer"))
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, []string{nodeCreateAnalysts, nodeHumanFeedback}, interrupts[0].Path)

	state, interrupts, err := exec.InvokeResume(ctx, "r", graph.NewResumeCommand(ApproveAnalysts))
	require.NoError(t, err)
	assert.Empty(t, interrupts)

	analysts := state[keyAnalysts].([]Analyst)
	require.Len(t, analysts, 2)
	assert.Equal(t, "Analyst 1", analysts[0].Name)
	assert.Len(t, state[keySections], 2)
	report := state[keyReport].(string)
	assert.Contains(t, report, "introduction section")
	assert.Contains(t, report, "conclusion section")
	assert.Equal(t, 2, strings.Count(report, "---"))

	for i := range analysts {
		var last *graph.Checkpoint
		threadID := graph.SubgraphThreadID("r", nodeInterview+":4:"+string(rune('0'+i)))
		for c, err := range exec.History(ctx, threadID) {
			require.NoError(t, err)
			last = c
		}
		require.NotNil(t, last, threadID)
		assert.Equal(t, graph.StatusDone, last.Status)
	}
}

func TestInterviewEndsOnClosingLine(t *testing.T) {
	turn := 0
	model := ModelFunc(func(ctx context.Context, messages []graph.Message) (graph.Message, error) {
		turn++
		if turn == 3 {
			return graph.Message{Content: closingLine + "!"}, nil
		}
		return graph.Message{Content: "line"}, nil
	})
	g, err := NewInterview(Deps{Model: model, Searcher: StaticSearcher{sourceWeb: {"web doc"}}})
	require.NoError(t, err)
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	require.NoError(t, err)
	defer exec.Close()

	state, _, err := exec.Invoke(context.Background(), "iv", graph.State{
		keyAnalyst:     Analyst{Name: "A", Description: "focus"},
		keyMaxNumTurns: 5,
	})
	require.NoError(t, err)
	// question, answer, closing question, answer
	messages := state[graph.StateKeyMessages].([]graph.Message)
	require.Len(t, messages, 4)
	assert.Equal(t, analystName, messages[2].Name)
	assert.Equal(t, closingLine+"!", messages[2].Content)
	assert.Equal(t, expertName, messages[3].Name)
	assert.Contains(t, state[keyInterview], "expert: line")
	docs := state[keyContext].([]string)
	require.Len(t, docs, 4)
	assert.Contains(t, docs[0], "web doc")
	assert.Contains(t, docs[1], "wikipedia has no results")
	assert.Len(t, state[keySections], 1)
}

func TestRouteMessages(t *testing.T) {
	expert := graph.Message{Name: expertName}
	tests := []struct {
		name     string
		messages []graph.Message
		turns    int
		want     string
	}{
		{"keeps asking", []graph.Message{{Name: analystName}, expert}, 2, nodeGenerateQuestion},
		{"turn limit", []graph.Message{{Name: analystName}, expert, {Name: analystName}, expert}, 2, nodeSaveInterview},
		{"goodbye", []graph.Message{{Name: analystName, Content: closingLine}, expert}, 3, nodeSaveInterview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routeMessages(context.Background(), graph.State{
				graph.StateKeyMessages: tt.messages,
				keyMaxNumTurns:         tt.turns,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssembleReport(t *testing.T) {
	out, err := assembleReport(context.Background(), graph.State{
		keyIntroduction: "# Title\n## Introduction",
		keyContent:      "## Insights\nbody [1]\n## Sources\n[1] a.com\n",
		keyConclusion:   "## Conclusion",
	})
	require.NoError(t, err)
	assert.Equal(t, "# Title\n## Introduction\n\n---\n\nbody [1]\n\n---\n\n## Conclusion\n\n## Sources\n[1] a.com",
		out.(graph.State)[keyReport])
}

func TestQuestionnaire(t *testing.T) {
	profiles := MapProfiles{"u1": {"full_name": "Ada Lovelace"}}
	exec := newTestExecutor(t, Questionnaire, Deps{Profiles: profiles})
	ctx := context.Background()

	_, interrupts, err := exec.Invoke(ctx, "q", graph.State{keyScenario: ScenarioInjury, keyUserID: "u1"})
	require.NoError(t, err)
	var asked []string
	for len(interrupts) > 0 {
		question := interrupts[0].Value.(string)
		asked = append(asked, question)
		_, interrupts, err = exec.InvokeResume(ctx, "q", graph.NewResumeCommand("answer "+question))
		require.NoError(t, err)
		require.Less(t, len(asked), 10)
	}
	assert.Equal(t, []string{
		"[offline] What is your date of birth?",
		"[offline] What is your incident date?",
		"[offline] What is your injury description?",
		"[offline] What is your treatment received?",
	}, asked)

	snap, err := exec.GetState(ctx, "q")
	require.NoError(t, err)
	pack := snap.Values[keyInfoPack].(map[string]string)
	assert.Equal(t, "Ada Lovelace", pack["full_name"])
	assert.Equal(t, "answer [offline] What is your date of birth?", pack["date_of_birth"])
	for field, value := range pack {
		assert.NotEqual(t, Unknown, value, field)
	}
	assert.Len(t, snap.Values[keyQAndA], 4)
	assert.Len(t, snap.Values[graph.StateKeyMessages], 9)
}

func TestCounter(t *testing.T) {
	for _, tt := range []struct {
		answer string
		status string
	}{
		{"yes", statusApproved},
		{"no", statusRejected},
	} {
		t.Run(tt.answer, func(t *testing.T) {
			exec := newTestExecutor(t, Counter, Deps{})
			ctx := context.Background()
			_, interrupts, err := exec.Invoke(ctx, "c", graph.State{keyLimit: 2})
			require.NoError(t, err)
			require.Len(t, interrupts, 1)
			assert.Equal(t, "Counter reached 2. Approve? (yes/no)", interrupts[0].Value)

			state, _, err := exec.InvokeResume(ctx, "c", graph.NewResumeCommand(tt.answer))
			require.NoError(t, err)
			assert.Equal(t, 2, state[keyCounter])
			assert.Equal(t, tt.status, state[keyStatus])
		})
	}
}

func TestSummaryChat(t *testing.T) {
	exec := newTestExecutor(t, SummaryChat, Deps{})
	ctx := context.Background()
	say := func(text string) graph.State {
		t.Helper()
		input := graph.State{graph.StateKeyMessages: []graph.Message{graph.NewUserMessage(text)}}
		var (
			events <-chan *graph.StepEvent
			err    error
		)
		if _, serr := exec.GetState(ctx, "chat"); errors.Is(serr, graph.ErrCheckpointNotFound) {
			events, err = exec.Start(ctx, "chat", input)
		} else {
			events, err = exec.Continue(ctx, "chat", input)
		}
		require.NoError(t, err)
		last := graph.Drain(events)
		require.NotNil(t, last)
		require.Equal(t, graph.EventTypeDone, last.Type, "%v", last.Err)
		return last.State
	}

	var state graph.State
	for i, text := range []string{"one", "two", "three"} {
		state = say(text)
		assert.Len(t, state[graph.StateKeyMessages], 2*(i+1))
		assert.Empty(t, state[keySummary])
	}
	state = say("four")
	messages := state[graph.StateKeyMessages].([]graph.Message)
	require.Len(t, messages, keepMessages)
	assert.Equal(t, "four", messages[0].Content)
	assert.Equal(t, "[offline] four", messages[1].Content)
	assert.Equal(t, "[offline] Create a summary of the conversation above:", state[keySummary])

	// The summary is given to the model on the next turn.
	var seen []graph.Message
	exec2, err := graph.NewExecutor(mustBuild(t, SummaryChat, Deps{Model: ModelFunc(
		func(ctx context.Context, messages []graph.Message) (graph.Message, error) {
			seen = messages
			return graph.NewAssistantMessage("m", "ok"), nil
		})}), graph.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	require.NoError(t, err)
	defer exec2.Close()
	_, _, err = exec2.Invoke(ctx, "s", graph.State{
		keySummary:             "earlier",
		graph.StateKeyMessages: []graph.Message{graph.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, graph.RoleSystem, seen[0].Role)
	assert.Equal(t, "Summary of conversation earlier: earlier", seen[0].Content)
}

func mustBuild(t *testing.T, name string, deps Deps) *graph.Graph {
	t.Helper()
	g, err := Build(name, deps)
	require.NoError(t, err)
	return g
}

func TestOfflineModel(t *testing.T) {
	m := NewOfflineModel()
	_, err := m.Generate(context.Background(), []graph.Message{graph.NewSystemMessage("only system")})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Generate(ctx, []graph.Message{graph.NewUserMessage("x")})
	assert.ErrorIs(t, err, context.Canceled)

	msg, err := m.Generate(context.Background(), []graph.Message{graph.NewUserMessage("a\nb")})
	require.NoError(t, err)
	assert.Equal(t, "[offline] a", msg.Content)
	assert.Equal(t, graph.RoleAssistant, msg.Role)
}

func TestSearchWeb(t *testing.T) {
	var calls int
	var system string
	model := ModelFunc(func(ctx context.Context, messages []graph.Message) (graph.Message, error) {
		calls++
		system = messages[0].Content
		return graph.NewAssistantMessage("m", "Tesla was an inventor"), nil
	})
	searcher := StaticSearcher{sourceWeb: {"web says inventor"}, sourceWikipedia: {"wiki says engineer"}}
	exec := newTestExecutor(t, SearchWeb, Deps{Model: model, Searcher: searcher})

	w, ok := Lookup(SearchWeb)
	require.True(t, ok)
	_, err := w.Input(nil)
	assert.ErrorContains(t, err, "question is required")
	input, err := w.Input(map[string]string{keyQuestion: "who was tesla?"})
	require.NoError(t, err)

	state, interrupts, err := exec.Invoke(context.Background(), "sw", input)
	require.NoError(t, err)
	assert.Empty(t, interrupts)
	assert.Equal(t, "Tesla was an inventor", state[keyAnswer])
	// Both searches finish in one step and the answer runs once on their merge.
	assert.Equal(t, 1, calls)
	docs := state[keyContext].([]string)
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0], "web says inventor")
	assert.Contains(t, docs[1], "wiki says engineer")
	assert.Contains(t, system, "web says inventor")
	assert.Contains(t, system, "wiki says engineer")
}

func TestHumanInTheLoop(t *testing.T) {
	exec := newTestExecutor(t, HumanInTheLoop, Deps{Searcher: StaticSearcher{sourceWeb: {"It's sunny in Perth"}}})
	w, _ := Lookup(HumanInTheLoop)
	input, err := w.Input(nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, interrupts, err := exec.Invoke(ctx, "h", input)
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, nodeAskHuman, interrupts[0].NodeID)
	assert.Equal(t, locationPrompt, interrupts[0].Value)

	state, interrupts, err := exec.InvokeResume(ctx, "h", graph.NewResumeCommand("Perth"))
	require.NoError(t, err)
	assert.Empty(t, interrupts)
	messages := state[graph.StateKeyMessages].([]graph.Message)
	require.Len(t, messages, 6)
	assert.Equal(t, toolAskHuman, messages[1].ToolCalls[0].Name)
	assert.Equal(t, "Perth", messages[2].Content)
	assert.Equal(t, messages[1].ToolCalls[0].ID, messages[2].ToolCallID)
	assert.Equal(t, toolSearch, messages[3].ToolCalls[0].Name)
	assert.Equal(t, "Perth", messages[3].ToolCalls[0].Arguments["input"])
	assert.Equal(t, "It's sunny in Perth", messages[4].Content)
	assert.Equal(t, "[offline] It's sunny in Perth", messages[5].Content)
}

func TestHumanInTheLoopWithoutToolModel(t *testing.T) {
	model := ModelFunc(func(ctx context.Context, messages []graph.Message) (graph.Message, error) {
		return graph.NewAssistantMessage("m", "no tools needed"), nil
	})
	exec := newTestExecutor(t, HumanInTheLoop, Deps{Model: model})
	state, interrupts, err := exec.Invoke(context.Background(), "plain",
		graph.State{graph.StateKeyMessages: []graph.Message{graph.NewUserMessage("hi")}})
	require.NoError(t, err)
	assert.Empty(t, interrupts)
	messages := state[graph.StateKeyMessages].([]graph.Message)
	require.Len(t, messages, 2)
	assert.Equal(t, "no tools needed", messages[1].Content)
}
