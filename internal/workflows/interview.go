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
	keyAnalyst     = "analyst"
	keyMaxNumTurns = "max_num_turns"
	keyContext     = "context"
	keyInterview   = "interview"
	keySections    = "sections"

	nodeGenerateQuestion = "generate_question"
	nodeSearchWeb        = "search_web"
	nodeSearchWikipedia  = "search_wikipedia"
	nodeGenerateAnswer   = "generate_answer"
	nodeSaveInterview    = "save_interview"
	nodeWriteSection     = "write_section"

	sourceWeb       = "web"
	sourceWikipedia = "wikipedia"

	expertName  = "expert"
	analystName = "analyst"
	closingLine = "Thank you so much for your help"

	defaultMaxNumTurns = 2
)

// Analyst is a persona that interviews an expert on one angle of a topic.
type Analyst struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Affiliation string `json:"affiliation"`
	Description string `json:"description"`
}

// Persona renders the analyst for a prompt.
func (a Analyst) Persona() string {
	return fmt.Sprintf("Name: %s\nRole: %s\nAffiliation: %s\nDescription: %s",
		a.Name, a.Role, a.Affiliation, a.Description)
}

func interviewSchema() *graph.StateSchema {
	return graph.MessagesStateSchema().
		AddField(keyAnalyst, graph.StateField{Type: reflect.TypeOf(Analyst{})}).
		AddField(keyMaxNumTurns, graph.StateField{
			Type:    reflect.TypeOf(0),
			Default: func() any { return defaultMaxNumTurns },
		}).
		AddField(keyContext, graph.StateField{
			Type:    reflect.TypeOf([]string{}),
			Reducer: graph.AppendReducer,
			Default: func() any { return []string{} },
		}).
		AddField(keyInterview, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keySections, graph.StateField{
			Type:    reflect.TypeOf([]string{}),
			Reducer: graph.AppendReducer,
		})
}

// NewInterview builds the interview graph: the analyst asks, two sources
// are searched in parallel, the expert answers, and after enough turns the
// transcript is written up as a report section.
func NewInterview(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	iv := &interviewer{model: deps.Model, searcher: deps.Searcher}
	return graph.NewStateGraph(interviewSchema()).
		AddNode(nodeGenerateQuestion, iv.generateQuestion).
		AddNode(nodeSearchWeb, iv.search(sourceWeb)).
		AddNode(nodeSearchWikipedia, iv.search(sourceWikipedia)).
		AddNode(nodeGenerateAnswer, iv.generateAnswer).
		AddNode(nodeSaveInterview, saveInterview).
		AddNode(nodeWriteSection, iv.writeSection).
		SetEntryPoint(nodeGenerateQuestion).
		AddEdge(nodeGenerateQuestion, nodeSearchWeb).
		AddEdge(nodeGenerateQuestion, nodeSearchWikipedia).
		AddEdge(nodeSearchWeb, nodeGenerateAnswer).
		AddEdge(nodeSearchWikipedia, nodeGenerateAnswer).
		AddConditionalEdges(nodeGenerateAnswer, routeMessages, map[string]string{
			nodeGenerateQuestion: nodeGenerateQuestion,
			nodeSaveInterview:    nodeSaveInterview,
		}).
		AddEdge(nodeSaveInterview, nodeWriteSection).
		SetFinishPoint(nodeWriteSection).
		Compile()
}

type interviewer struct {
	model    Model
	searcher Searcher
}

func (iv *interviewer) generateQuestion(ctx context.Context, state graph.State) (any, error) {
	analyst, _ := state[keyAnalyst].(Analyst)
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	prompt := append([]graph.Message{graph.NewSystemMessage(questionInstructions(analyst))}, messages...)
	if len(messages) == 0 {
		prompt = append(prompt, graph.NewUserMessage("Start the interview."))
	}
	question, err := iv.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate question: %w", err)
	}
	question.Role = graph.RoleAssistant
	question.Name = analystName
	return graph.State{graph.StateKeyMessages: []graph.Message{question}}, nil
}

func (iv *interviewer) search(source string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		messages, _ := state[graph.StateKeyMessages].([]graph.Message)
		query := lastFrom(messages, analystName)
		docs, err := iv.searcher.Search(ctx, source, query)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", source, err)
		}
		return graph.State{keyContext: []string{formatDocuments(source, docs)}}, nil
	}
}

// formatDocuments wraps each document in a tagged block.
func formatDocuments(source string, docs []string) string {
	formatted := make([]string, 0, len(docs))
	for _, doc := range docs {
		formatted = append(formatted, fmt.Sprintf("<Document source=%q>\n%s\n</Document>", source, doc))
	}
	return strings.Join(formatted, "\n\n---\n\n")
}

func (iv *interviewer) generateAnswer(ctx context.Context, state graph.State) (any, error) {
	analyst, _ := state[keyAnalyst].(Analyst)
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	docs, _ := state[keyContext].([]string)
	prompt := append([]graph.Message{graph.NewSystemMessage(answerInstructions(analyst, docs))}, messages...)
	answer, err := iv.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	answer.Role = graph.RoleAssistant
	answer.Name = expertName
	return graph.State{graph.StateKeyMessages: []graph.Message{answer}}, nil
}

// routeMessages ends the interview after max_num_turns expert answers or
// when the analyst said goodbye.
func routeMessages(ctx context.Context, state graph.State) (string, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	turns, _ := state[keyMaxNumTurns].(int)
	answers := 0
	for _, m := range messages {
		if m.Name == expertName {
			answers++
		}
	}
	if answers >= turns {
		return nodeSaveInterview, nil
	}
	if strings.Contains(lastFrom(messages, analystName), closingLine) {
		return nodeSaveInterview, nil
	}
	return nodeGenerateQuestion, nil
}

func saveInterview(ctx context.Context, state graph.State) (any, error) {
	messages, _ := state[graph.StateKeyMessages].([]graph.Message)
	var b strings.Builder
	for _, m := range messages {
		speaker := m.Name
		if speaker == "" {
			speaker = m.Role
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	return graph.State{keyInterview: strings.TrimSpace(b.String())}, nil
}

func (iv *interviewer) writeSection(ctx context.Context, state graph.State) (any, error) {
	analyst, _ := state[keyAnalyst].(Analyst)
	docs, _ := state[keyContext].([]string)
	section, err := ask(ctx, iv.model, sectionInstructions(analyst.Description),
		"Use this source to write your section: "+strings.Join(docs, "\n\n"))
	if err != nil {
		return nil, fmt.Errorf("write section: %w", err)
	}
	return graph.State{keySections: []string{section}}, nil
}

func lastFrom(messages []graph.Message, name string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Name == name {
			return messages[i].Content
		}
	}
	return ""
}

func questionInstructions(a Analyst) string {
	return fmt.Sprintf(`You are an analyst tasked with interviewing an expert to learn about a specific topic.
Your goal is to boil down to interesting and specific insights related to your topic.
Begin by introducing yourself using a name that fits your persona, and then ask your question.
Continue to ask questions to drill down and refine your understanding of the topic.
When you are satisfied with your understanding, complete the interview with: %q
Stay in character throughout your response, reflecting the persona and goals provided to you.
%s`, closingLine+"!", a.Persona())
}

func answerInstructions(a Analyst, docs []string) string {
	return fmt.Sprintf(`You are an expert being interviewed by an analyst.
Here is the analyst area of focus: %s.
Your goal is to answer a question posed by the interviewer.
To answer the question, use this context:
%s
Use only the information provided in the context and cite the documents next to relevant statements.`,
		a.Persona(), strings.Join(docs, "\n\n"))
}

func sectionInstructions(focus string) string {
	return fmt.Sprintf(`You are an expert technical writer.
Your task is to create a short, easily digestible section of a report based on a set of source documents.
Use markdown formatting, make your title engaging based upon the focus area of the analyst: %s
Do not mention the names of interviewers or experts. Keep the section under 400 words.`, focus)
}
