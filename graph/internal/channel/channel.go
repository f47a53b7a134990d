//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package channel provides the typed channel store behind graph state.
package channel

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Reducer folds an update into the existing value of a channel.
type Reducer func(existing, update any) any

// UnknownError reports a write to or a read of an undeclared channel.
type UnknownError struct {
	Name string
}

// Error implements error.
func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown channel %q", e.Name)
}

// Channel is a named slot of graph state.
type Channel struct {
	Name    string
	Type    reflect.Type
	Reducer Reducer
	Default func() any

	value   any
	set     bool
	version int64
}

func (c *Channel) current() any {
	if c.set {
		return c.value
	}
	if c.Default != nil {
		return c.Default()
	}
	return nil
}

// Store holds the declared channels of one graph run.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	updated  map[string]bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		channels: make(map[string]*Channel),
		updated:  make(map[string]bool),
	}
}

// Declare registers a channel. Redeclaring a name keeps the stored value.
func (s *Store) Declare(name string, typ reflect.Type, reducer Reducer, def func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = &Channel{Name: name}
		s.channels[name] = ch
	}
	ch.Type = typ
	ch.Reducer = reducer
	ch.Default = def
}

// Has reports whether name is declared.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// Names returns the declared channel names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of the current value of name, falling back to the
// channel default when it was never written.
func (s *Store) Get(name string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	if !ok {
		return nil, &UnknownError{Name: name}
	}
	return DeepCopy(ch.current()), nil
}

// Apply folds value into channel name with its reducer and bumps its version.
func (s *Store) Apply(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		return &UnknownError{Name: name}
	}
	next := value
	if ch.Reducer != nil {
		next = ch.Reducer(ch.current(), DeepCopy(value))
	}
	ch.value = next
	ch.set = true
	ch.version++
	s.updated[name] = true
	return nil
}

// Check returns an UnknownError for the first undeclared key of update.
func (s *Store) Check(update map[string]any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := s.channels[k]; !ok {
			return &UnknownError{Name: k}
		}
	}
	return nil
}

// Snapshot returns a deep copy of every channel value. Channels that were
// never written appear with their default when one is declared.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.channels))
	for name, ch := range s.channels {
		if !ch.set && ch.Default == nil {
			continue
		}
		out[name] = DeepCopy(ch.current())
	}
	return out
}

// Written returns a deep copy of the channels that hold an explicit value.
func (s *Store) Written() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.channels))
	for name, ch := range s.channels {
		if ch.set {
			out[name] = DeepCopy(ch.value)
		}
	}
	return out
}

// Versions returns the write counter of every written channel.
func (s *Store) Versions() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.channels))
	for name, ch := range s.channels {
		if ch.version > 0 {
			out[name] = ch.version
		}
	}
	return out
}

// Updated returns the channels written since the last ResetUpdated, sorted.
func (s *Store) Updated() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.updated))
	for name := range s.updated {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetUpdated clears the updated marks.
func (s *Store) ResetUpdated() {
	s.mu.Lock()
	s.updated = make(map[string]bool)
	s.mu.Unlock()
}

// Restore replaces the stored values and versions. Values decoded from a
// serialized checkpoint are converted back to the declared channel type.
// Keys that are not declared are rejected.
func (s *Store) Restore(values map[string]any, versions map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		ch.value, ch.set, ch.version = nil, false, 0
	}
	for name, v := range values {
		ch, ok := s.channels[name]
		if !ok {
			return &UnknownError{Name: name}
		}
		converted, err := Coerce(v, ch.Type)
		if err != nil {
			return fmt.Errorf("restore channel %q: %w", name, err)
		}
		ch.value = converted
		ch.set = true
	}
	for name, ver := range versions {
		if ch, ok := s.channels[name]; ok {
			ch.version = ver
		}
	}
	s.updated = make(map[string]bool)
	return nil
}

// Coerce converts v to typ when v is not already assignable to it, using a
// JSON round trip. A nil typ or nil value is returned unchanged.
func Coerce(v any, typ reflect.Type) (any, error) {
	if typ == nil || v == nil {
		return v, nil
	}
	if reflect.TypeOf(v).AssignableTo(typ) {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("convert %T to %s: %w", v, typ, err)
	}
	return ptr.Elem().Interface(), nil
}

// DeepCopy copies maps, slices, arrays, pointers and the exported fields of
// structs recursively. Other values are returned as is.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	out := deepCopyValue(reflect.ValueOf(v))
	if !out.IsValid() {
		return nil
	}
	return out.Interface()
}

func deepCopyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopyElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopyElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopyElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopyElem(v.Elem(), v.Type().Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			out.Field(i).Set(deepCopyElem(v.Field(i), v.Type().Field(i).Type))
		}
		return out
	default:
		return v
	}
}

// deepCopyElem copies an element that will be stored into a slot of type slot.
func deepCopyElem(v reflect.Value, slot reflect.Type) reflect.Value {
	if slot.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(slot)
		}
		return deepCopyValue(v.Elem())
	}
	return deepCopyValue(v)
}
