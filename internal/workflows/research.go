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

// Workflow names.
const (
	ResearchAssistant = "research-assistant"
	Questionnaire     = "questionnaire"
	Counter           = "counter"
	SummaryChat       = "summary-chat"
	SearchWeb         = "search-web"
	HumanInTheLoop    = "human-in-the-loop"
)

const (
	keyTopic           = "topic"
	keyMaxAnalysts     = "max_analysts"
	keyAnalysts        = "analysts"
	keyAnalystReview   = "human_analyst_feedback"
	keyContent         = "content"
	keyIntroduction    = "introduction"
	keyConclusion      = "conclusion"
	keyReport          = "report"
	defaultMaxAnalysts = 3

	nodeCreateAnalysts  = "create_analysts"
	nodeHumanFeedback   = "human_feedback"
	nodeInterview       = "interview"
	nodeWriteReport     = "write_report"
	nodeWriteIntro      = "write_introduction"
	nodeWriteConclusion = "write_conclusion"
	nodeAssembleReport  = "assemble_report"

	// ApproveAnalysts is the feedback that accepts the proposed analysts.
	ApproveAnalysts = "approve"

	insightsHeader = "## Insights"
	sourcesMarker  = "\n## Sources\n"
)

var analystRoles = []string{"Practitioner", "Researcher", "Skeptic", "Economist", "Historian", "Policy maker"}

// AnalystReview is the interrupt payload asking a human to review analysts.
type AnalystReview struct {
	Topic    string    `json:"topic"`
	Analysts []Analyst `json:"analysts"`
	Question string    `json:"question"`
}

// NewAnalystTeam builds the graph that proposes analysts for a topic and
// regenerates them until a human approves.
func NewAnalystTeam(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	schema := graph.NewStateSchema().
		AddField(keyTopic, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyMaxAnalysts, graph.StateField{
			Type:    reflect.TypeOf(0),
			Default: func() any { return defaultMaxAnalysts },
		}).
		AddField(keyAnalysts, graph.StateField{Type: reflect.TypeOf([]Analyst{})}).
		AddField(keyAnalystReview, graph.StateField{Type: reflect.TypeOf("")})
	team := &analystTeam{model: deps.Model}
	return graph.NewStateGraph(schema).
		AddNode(nodeCreateAnalysts, team.createAnalysts).
		AddNode(nodeHumanFeedback, humanFeedback).
		SetEntryPoint(nodeCreateAnalysts).
		AddEdge(nodeCreateAnalysts, nodeHumanFeedback).
		AddConditionalEdges(nodeHumanFeedback, shouldRegenerate, map[string]string{
			nodeCreateAnalysts: nodeCreateAnalysts,
			graph.End:          graph.End,
		}).
		Compile()
}

type analystTeam struct {
	model Model
}

func (t *analystTeam) createAnalysts(ctx context.Context, state graph.State) (any, error) {
	topic, _ := state[keyTopic].(string)
	feedback, _ := state[keyAnalystReview].(string)
	n, _ := state[keyMaxAnalysts].(int)
	if n <= 0 {
		n = defaultMaxAnalysts
	}
	analysts := make([]Analyst, 0, n)
	for i := range n {
		role := analystRoles[i%len(analystRoles)]
		description, err := ask(ctx, t.model, analystInstructions(topic, feedback, n),
			fmt.Sprintf("Describe the focus of the %s analyst on %s.", strings.ToLower(role), topic))
		if err != nil {
			return nil, fmt.Errorf("create analyst %d: %w", i+1, err)
		}
		analysts = append(analysts, Analyst{
			Name:        fmt.Sprintf("Analyst %d", i+1),
			Role:        role,
			Affiliation: topic,
			Description: description,
		})
	}
	return graph.State{keyAnalysts: analysts}, nil
}

func humanFeedback(ctx context.Context, state graph.State) (any, error) {
	topic, _ := state[keyTopic].(string)
	analysts, _ := state[keyAnalysts].([]Analyst)
	feedback, err := graph.InterruptAs[string](ctx, AnalystReview{
		Topic:    topic,
		Analysts: analysts,
		Question: fmt.Sprintf("Reply %q to keep these analysts, or describe what to change.", ApproveAnalysts),
	})
	if err != nil {
		return nil, err
	}
	return graph.State{keyAnalystReview: feedback}, nil
}

func shouldRegenerate(ctx context.Context, state graph.State) (string, error) {
	feedback, _ := state[keyAnalystReview].(string)
	feedback = strings.TrimSpace(feedback)
	if feedback == "" || strings.EqualFold(feedback, ApproveAnalysts) {
		return graph.End, nil
	}
	return nodeCreateAnalysts, nil
}

// NewResearchAssistant builds the research assistant: the analyst team runs
// as a sub-graph, every approved analyst is interviewed in its own
// sub-graph task, and the sections are joined into one report.
func NewResearchAssistant(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	team, err := NewAnalystTeam(deps)
	if err != nil {
		return nil, fmt.Errorf("analyst team: %w", err)
	}
	interview, err := NewInterview(deps)
	if err != nil {
		return nil, fmt.Errorf("interview: %w", err)
	}
	schema := graph.NewStateSchema().
		AddField(keyTopic, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyMaxAnalysts, graph.StateField{
			Type:    reflect.TypeOf(0),
			Default: func() any { return defaultMaxAnalysts },
		}).
		AddField(keyMaxNumTurns, graph.StateField{
			Type:    reflect.TypeOf(0),
			Default: func() any { return defaultMaxNumTurns },
		}).
		AddField(keyAnalysts, graph.StateField{Type: reflect.TypeOf([]Analyst{})}).
		AddField(keySections, graph.StateField{
			Type:    reflect.TypeOf([]string{}),
			Reducer: graph.AppendReducer,
			Default: func() any { return []string{} },
		}).
		AddField(keyContent, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyIntroduction, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyConclusion, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyReport, graph.StateField{Type: reflect.TypeOf("")})
	w := &reportWriter{model: deps.Model}
	return graph.NewStateGraph(schema).
		AddSubgraphNode(nodeCreateAnalysts, team, graph.WithName("Create analysts")).
		AddSubgraphNode(nodeInterview, interview,
			graph.WithName("Interview"),
			graph.WithOutputMapping(map[string]string{keySections: keySections}),
		).
		AddNode(nodeWriteReport, w.writeReport).
		AddNode(nodeWriteIntro, w.writeFraming(keyIntroduction)).
		AddNode(nodeWriteConclusion, w.writeFraming(keyConclusion)).
		AddNode(nodeAssembleReport, assembleReport).
		SetEntryPoint(nodeCreateAnalysts).
		AddSendEdges(nodeCreateAnalysts, interviewAll).
		AddEdge(nodeInterview, nodeWriteReport).
		AddEdge(nodeInterview, nodeWriteIntro).
		AddEdge(nodeInterview, nodeWriteConclusion).
		AddJoinEdge([]string{nodeWriteReport, nodeWriteIntro, nodeWriteConclusion}, nodeAssembleReport).
		SetFinishPoint(nodeAssembleReport).
		Compile()
}

// interviewAll starts one interview per analyst.
func interviewAll(ctx context.Context, state graph.State) ([]graph.Send, error) {
	topic, _ := state[keyTopic].(string)
	turns, _ := state[keyMaxNumTurns].(int)
	analysts, _ := state[keyAnalysts].([]Analyst)
	if len(analysts) == 0 {
		return nil, fmt.Errorf("no analysts for %q", topic)
	}
	sends := make([]graph.Send, 0, len(analysts))
	for _, a := range analysts {
		input := graph.State{keyAnalyst: a, keyMaxNumTurns: turns}
		input[graph.StateKeyMessages] = []graph.Message{
			graph.NewUserMessage(fmt.Sprintf("So you said you were writing an article on %s?", topic)),
		}
		sends = append(sends, graph.Send{Node: nodeInterview, Input: input})
	}
	return sends, nil
}

type reportWriter struct {
	model Model
}

func (w *reportWriter) writeReport(ctx context.Context, state graph.State) (any, error) {
	topic, _ := state[keyTopic].(string)
	sections, _ := state[keySections].([]string)
	content, err := ask(ctx, w.model, reportInstructions(topic, strings.Join(sections, "\n\n")),
		"Write a report based upon these memos.")
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return graph.State{keyContent: content}, nil
}

// writeFraming writes the introduction or the conclusion.
func (w *reportWriter) writeFraming(part string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		topic, _ := state[keyTopic].(string)
		sections, _ := state[keySections].([]string)
		text, err := ask(ctx, w.model, framingInstructions(topic, strings.Join(sections, "\n\n")),
			fmt.Sprintf("Write the %s section of this report.", part))
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", part, err)
		}
		return graph.State{part: text}, nil
	}
}

func assembleReport(ctx context.Context, state graph.State) (any, error) {
	intro, _ := state[keyIntroduction].(string)
	content, _ := state[keyContent].(string)
	conclusion, _ := state[keyConclusion].(string)
	content = strings.TrimLeft(strings.TrimPrefix(content, insightsHeader), " \t\r\n")
	var sources string
	hasSources := false
	if i := strings.Index(content, sourcesMarker); i >= 0 {
		sources = content[i+len(sourcesMarker):]
		content = content[:i]
		hasSources = true
	}
	report := fmt.Sprintf("%s\n\n---\n\n%s\n\n---\n\n%s", intro, strings.TrimSpace(content), conclusion)
	if hasSources {
		report += "\n\n## Sources\n" + strings.TrimSpace(sources)
	}
	return graph.State{keyReport: strings.TrimSpace(report)}, nil
}

func analystInstructions(topic, feedback string, n int) string {
	return fmt.Sprintf(`You are tasked with creating a set of AI analyst personas.
1. Review the research topic: %s
2. Examine any editorial feedback that has been optionally provided to guide creation of the analysts: %s
3. Determine the most interesting themes based upon documents and / or feedback above.
4. Pick the top %d themes.
5. Assign one analyst to each theme.`, topic, feedback, n)
}

func reportInstructions(topic, memos string) string {
	return fmt.Sprintf(`You are a technical writer creating a report on this overall topic: %s
You have a team of analysts. Each analyst conducted an interview with an expert on a specific sub-topic and wrote up their findings into a memo.
Consolidate the memos into a crisp overall summary that ties together the central ideas.
Start your report with a single title header: %s
Preserve any citations in the memos and add a final list of sources under a ## Sources header.
Here are the memos from your analysts to build your report from:
%s`, topic, insightsHeader, memos)
}

func framingInstructions(topic, sections string) string {
	return fmt.Sprintf(`You are a technical writer finishing a report on %s
You will be given all of the sections of the report.
Your job is to write a crisp and compelling introduction or conclusion section of around 100 words.
Use ## Introduction or ## Conclusion as the section header.
Here are the sections to reflect on for writing: %s`, topic, sections)
}
