//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// State represents the state that flows through the graph.
// Nodes receive a private copy and return partial updates of it.
type State map[string]any

// Clone creates a deep copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = channel.DeepCopy(v)
	}
	return clone
}

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result.
// Reducers must not mutate existing.
type StateReducer func(existing, update any) any

// StateField defines a channel of the state: its value type, reducer and
// default. A nil Reducer means replace.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema defines the channels of a graph.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates a new state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{
		Fields: make(map[string]StateField),
	}
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// Field returns the declared field for name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.Fields[name]
	return f, ok
}

// Names returns the declared channel names in sorted order.
func (s *StateSchema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate validates a state against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range sortedKeys(s.Fields) {
		field := s.Fields[name]
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// coerce converts values decoded from a checkpoint back to their declared types.
func (s *StateSchema) coerce(state State) (State, error) {
	if state == nil {
		return nil, nil
	}
	out := make(State, len(state))
	for k, v := range state {
		field, ok := s.Field(k)
		if !ok {
			out[k] = v
			continue
		}
		converted, err := channel.Coerce(v, field.Type)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", k, err)
		}
		out[k] = converted
	}
	return out, nil
}

func (s *StateSchema) newStore() *channel.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store := channel.NewStore()
	for name, field := range s.Fields {
		store.Declare(name, field.Type, channel.Reducer(field.Reducer), field.Default)
	}
	return store
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends update to the existing slice. The update may be a
// slice of a compatible element type or a single element. A nil existing
// value adopts the update's slice type.
func AppendReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	uv := reflect.ValueOf(update)
	if existing == nil {
		if uv.Kind() == reflect.Slice {
			out := reflect.MakeSlice(uv.Type(), 0, uv.Len())
			return reflect.AppendSlice(out, uv).Interface()
		}
		return []any{update}
	}
	ev := reflect.ValueOf(existing)
	if ev.Kind() != reflect.Slice {
		return update
	}
	elem := ev.Type().Elem()
	out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+1)
	out = reflect.AppendSlice(out, ev)
	if uv.Kind() == reflect.Slice && uv.Type() != elem {
		for i := 0; i < uv.Len(); i++ {
			item := uv.Index(i)
			if item.Kind() == reflect.Interface && !item.IsNil() {
				item = item.Elem()
			}
			if !item.IsValid() || !item.Type().AssignableTo(elem) {
				return update
			}
			out = reflect.Append(out, item)
		}
		return out.Interface()
	}
	if !uv.Type().AssignableTo(elem) {
		return update
	}
	return reflect.Append(out, uv).Interface()
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) any {
	existingSlice, ok1 := existing.([]string)
	if existing == nil {
		ok1 = true
	}
	updateSlice, ok2 := update.([]string)
	if !ok1 || !ok2 {
		return update
	}
	out := make([]string, 0, len(existingSlice)+len(updateSlice))
	out = append(out, existingSlice...)
	return append(out, updateSlice...)
}

// MergeReducer merges update map into existing map. Keys of the update win.
func MergeReducer(existing, update any) any {
	existingMap, ok1 := existing.(map[string]any)
	if existing == nil {
		ok1 = true
	}
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// SumReducer adds numeric updates to the existing value.
// int, int64 and float64 are supported; other types replace.
func SumReducer(existing, update any) any {
	switch u := update.(type) {
	case int:
		e, _ := existing.(int)
		return e + u
	case int64:
		e, _ := existing.(int64)
		return e + u
	case float64:
		e, _ := existing.(float64)
		return e + u
	default:
		return update
	}
}
