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
	"maps"
	"reflect"
	"slices"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

const (
	keyScenario     = "scenario"
	keyUserID       = "user_id"
	keyInfoPack     = "info_pack"
	keyMissingField = "missing_field"
	keyQAndA        = "q_and_a"

	nodeLoadQuestionnaire = "load_questionnaire"
	nodeFindMissingField  = "find_missing_field"
	nodeCreateQuestion    = "create_question"
	nodeAskQuestion       = "ask_question"
	nodeFinaliseInfoPack  = "finalise_info_pack"

	// Unknown marks an info pack field nobody answered yet.
	Unknown = "<UNKNOWN>"

	// Scenarios of the questionnaire.
	ScenarioInjury  = "injury"
	ScenarioIllness = "illness"
)

var scenarioFields = map[string][]string{
	ScenarioInjury:  {"full_name", "date_of_birth", "incident_date", "injury_description", "treatment_received"},
	ScenarioIllness: {"full_name", "date_of_birth", "symptoms", "onset_date", "doctor_name"},
}

// QAndA is one question asked about an info pack field.
type QAndA struct {
	Field    string `json:"field"`
	Question string `json:"question"`
}

// NewQuestionnaire builds the questionnaire: known profile data seeds the
// info pack, then the graph asks for each unknown field until none is left.
func NewQuestionnaire(deps Deps) (*graph.Graph, error) {
	deps = deps.withDefaults()
	schema := graph.MessagesStateSchema().
		AddField(keyScenario, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyUserID, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyInfoPack, graph.StateField{Type: reflect.TypeOf(map[string]string{})}).
		AddField(keyMissingField, graph.StateField{Type: reflect.TypeOf("")}).
		AddField(keyQAndA, graph.StateField{
			Type:    reflect.TypeOf([]QAndA{}),
			Reducer: graph.AppendReducer,
			Default: func() any { return []QAndA{} },
		})
	q := &questionnaire{model: deps.Model, profiles: deps.Profiles}
	return graph.NewStateGraph(schema).
		AddNode(nodeLoadQuestionnaire, q.load).
		AddNode(nodeFindMissingField, findMissingField).
		AddNode(nodeCreateQuestion, q.createQuestion).
		AddNode(nodeAskQuestion, askQuestion).
		AddNode(nodeFinaliseInfoPack, finaliseInfoPack).
		SetEntryPoint(nodeLoadQuestionnaire).
		AddEdge(nodeLoadQuestionnaire, nodeFindMissingField).
		AddConditionalEdges(nodeFindMissingField, routeByMissingField, map[string]string{
			nodeCreateQuestion:   nodeCreateQuestion,
			nodeFinaliseInfoPack: nodeFinaliseInfoPack,
		}).
		AddEdge(nodeCreateQuestion, nodeAskQuestion).
		AddEdge(nodeAskQuestion, nodeFindMissingField).
		SetFinishPoint(nodeFinaliseInfoPack).
		Compile()
}

type questionnaire struct {
	model    Model
	profiles ProfileStore
}

func (q *questionnaire) load(ctx context.Context, state graph.State) (any, error) {
	scenario, _ := state[keyScenario].(string)
	fields, ok := scenarioFields[scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	userID, _ := state[keyUserID].(string)
	var profile map[string]string
	if userID == "" {
		log.Warnf("questionnaire: no user id, starting from an empty profile")
	} else {
		var err error
		if profile, err = q.profiles.Profile(ctx, userID); err != nil {
			return nil, fmt.Errorf("load profile of %s: %w", userID, err)
		}
	}
	pack := make(map[string]string, len(fields))
	for _, f := range fields {
		pack[f] = Unknown
		if v := profile[f]; v != "" {
			pack[f] = v
		}
	}
	return graph.State{keyInfoPack: pack}, nil
}

func findMissingField(ctx context.Context, state graph.State) (any, error) {
	pack, _ := state[keyInfoPack].(map[string]string)
	for _, f := range slices.Sorted(maps.Keys(pack)) {
		if pack[f] == Unknown {
			return graph.State{keyMissingField: f}, nil
		}
	}
	return graph.State{keyMissingField: ""}, nil
}

func routeByMissingField(ctx context.Context, state graph.State) (string, error) {
	if missing, _ := state[keyMissingField].(string); missing != "" {
		return nodeCreateQuestion, nil
	}
	return nodeFinaliseInfoPack, nil
}

func (q *questionnaire) createQuestion(ctx context.Context, state graph.State) (any, error) {
	field, _ := state[keyMissingField].(string)
	pack, _ := state[keyInfoPack].(map[string]string)
	question, err := ask(ctx, q.model, nextQuestionPrompt(pack, field),
		fmt.Sprintf("What is your %s?", humanize(field)))
	if err != nil {
		return nil, fmt.Errorf("create question for %s: %w", field, err)
	}
	return graph.State{keyQAndA: []QAndA{{Field: field, Question: question}}}, nil
}

// askQuestion suspends until the user answers the latest question.
func askQuestion(ctx context.Context, state graph.State) (any, error) {
	qa, _ := state[keyQAndA].([]QAndA)
	if len(qa) == 0 {
		return nil, fmt.Errorf("no question to ask")
	}
	last := qa[len(qa)-1]
	answer, err := graph.InterruptAs[string](ctx, last.Question)
	if err != nil {
		return nil, err
	}
	pack, _ := state[keyInfoPack].(map[string]string)
	pack = maps.Clone(pack)
	if pack == nil {
		pack = make(map[string]string)
	}
	pack[last.Field] = answer
	update := graph.State{keyInfoPack: pack}
	update[graph.StateKeyMessages] = []graph.Message{
		graph.NewAssistantMessage("questionnaire", last.Question),
		graph.NewUserMessage(answer),
	}
	return update, nil
}

func finaliseInfoPack(ctx context.Context, state graph.State) (any, error) {
	pack, _ := state[keyInfoPack].(map[string]string)
	log.Infof("questionnaire: info pack complete with %d fields", len(pack))
	return graph.State{graph.StateKeyMessages: []graph.Message{
		graph.NewAssistantMessage("questionnaire", "Thank you, the questionnaire is complete."),
	}}, nil
}

func nextQuestionPrompt(pack map[string]string, field string) string {
	known := ""
	for _, f := range slices.Sorted(maps.Keys(pack)) {
		if pack[f] != Unknown {
			known += fmt.Sprintf("\n- %s: %s", humanize(f), pack[f])
		}
	}
	return fmt.Sprintf(`You are filling in a questionnaire on behalf of a user.
The following information is already known:%s
Ask one short, friendly question to learn the user's %s.`, known, humanize(field))
}

func humanize(field string) string {
	return strings.ReplaceAll(field, "_", " ")
}
