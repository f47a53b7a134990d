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
	"context"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// ResumeCommand represents a command to resume graph execution. Pending
// tasks the command does not answer stay interrupted.
type ResumeCommand struct {
	// Value answers every pending interrupt without an entry in TaskValues.
	// A nil Value answers nothing unless set through NewResumeCommand.
	Value any
	// TaskValues maps task IDs to their answers.
	TaskValues map[string]any

	answersAll bool
}

// NewResumeCommand creates a resume command answering every pending interrupt with value.
func NewResumeCommand(value any) *ResumeCommand {
	return &ResumeCommand{Value: value, answersAll: true}
}

// AddResumeValue adds a resume value for a specific task.
func (c *ResumeCommand) AddResumeValue(taskID string, value any) *ResumeCommand {
	if c.TaskValues == nil {
		c.TaskValues = make(map[string]any)
	}
	c.TaskValues[taskID] = value
	return c
}

// answer returns the value for taskID and whether the command answers it.
func (c *ResumeCommand) answer(taskID string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.TaskValues[taskID]; ok {
		return v, true
	}
	return c.Value, c.answersAll || c.Value != nil
}

// InterruptAs is Interrupt with the resume value converted to T.
// Resume values restored from a durable checkpoint are decoded JSON, so a
// struct answer comes back as a map unless converted.
func InterruptAs[T any](ctx context.Context, payload any) (T, error) {
	var zero T
	v, err := Interrupt(ctx, payload)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	converted, err := channel.Coerce(v, reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("resume value: %w", err)
	}
	return converted.(T), nil
}
