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
	"reflect"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// RemoveAllMessagesID is the ID of a removal marker that clears the history.
const RemoveAllMessagesID = "__remove_all__"

// Message is one entry of a conversation channel.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	// ToolCalls are the tools an assistant message asks to run.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Remove marks the message as a deletion of the stored message with the same ID.
	Remove bool `json:"remove,omitempty"`
}

// ToolCall is a request to run a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message attributed to name.
func NewAssistantMessage(name, content string) Message {
	return Message{Role: RoleAssistant, Name: name, Content: content}
}

// NewToolMessage creates the result of the tool call callID.
func NewToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Name: name, Content: content, ToolCallID: callID}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// RemoveMessage returns a marker that deletes the message with id.
func RemoveMessage(id string) Message {
	return Message{ID: id, Remove: true}
}

// RemoveAllMessages returns a marker that clears every stored message.
func RemoveAllMessages() Message {
	return Message{ID: RemoveAllMessagesID, Remove: true}
}

// MessageReducer merges messages by ID. New messages without an ID get one
// assigned and are appended; a message whose ID is already stored replaces
// it in place; removal markers delete by ID.
func MessageReducer(existing, update any) any {
	current, ok := existing.([]Message)
	if existing != nil && !ok {
		return update
	}
	var incoming []Message
	switch u := update.(type) {
	case []Message:
		incoming = u
	case Message:
		incoming = []Message{u}
	case nil:
		return existing
	default:
		return update
	}
	result := make([]Message, 0, len(current)+len(incoming))
	result = append(result, current...)
	for _, msg := range incoming {
		if msg.Remove {
			if msg.ID == RemoveAllMessagesID {
				result = result[:0]
				continue
			}
			result = removeMessageByID(result, msg.ID)
			continue
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
			result = append(result, msg)
			continue
		}
		if idx := messageIndex(result, msg.ID); idx >= 0 {
			result[idx] = msg
			continue
		}
		result = append(result, msg)
	}
	return result
}

func messageIndex(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func removeMessageByID(msgs []Message, id string) []Message {
	idx := messageIndex(msgs, id)
	if idx < 0 {
		return msgs
	}
	return append(msgs[:idx], msgs[idx+1:]...)
}

// MessagesStateSchema creates a state schema with a messages channel and a
// free-form metadata channel.
func MessagesStateSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]Message{}),
		Reducer: MessageReducer,
		Default: func() any { return []Message{} },
	})
	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return map[string]any{} },
	})
	return schema
}
