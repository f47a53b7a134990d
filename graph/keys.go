//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Common channel names.
const (
	// StateKeyMessages is the key of the conversation channel.
	StateKeyMessages = "messages"
	// StateKeyMetadata is the key of the metadata channel.
	StateKeyMetadata = "metadata"
)

// Checkpoint sources.
const (
	SourceInput     = "input"
	SourceLoop      = "loop"
	SourceResume    = "resume"
	SourceInterrupt = "interrupt"
)

// separator between the parent thread and the task of a sub-graph thread.
const subgraphThreadSeparator = "|"
