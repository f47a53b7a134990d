//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{"unknown", zapcore.InfoLevel},
	}
	for _, c := range cases {
		SetLevel(c.in)
		assert.Equal(t, c.want, level.Level(), c.in)
	}
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestSetupJSONRespectsLevel(t *testing.T) {
	old := Default
	defer func() {
		Default = old
		SetLevel(LevelInfo)
	}()

	var buf bytes.Buffer
	Setup(&buf, FormatJSON)
	SetLevel(LevelWarn)

	Infof("dropped %d", 1)
	Warnf("kept %d", 2)

	recs := records(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "kept 2", recs[0]["message"])
	assert.Equal(t, "warn", recs[0]["lvl"])
}

func TestWithAddsFields(t *testing.T) {
	old := Default
	defer func() { Default = old }()

	var buf bytes.Buffer
	Setup(&buf, FormatJSON)
	thread := With("thread", "t1")
	thread.Infof("step %d", 3)
	thread.With("node", "a").Errorf("boom")

	recs := records(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "t1", recs[0]["thread"])
	assert.Equal(t, "step 3", recs[0]["message"])
	assert.Equal(t, "a", recs[1]["node"])
	assert.Equal(t, "t1", recs[1]["thread"])
}

func TestPackageHelpersUseDefault(t *testing.T) {
	old := Default
	defer func() { Default = old }()
	rec := &recordingLogger{}
	Default = rec

	Debugf("a")
	Infof("b")
	Warnf("c")
	Errorf("d")
	assert.Same(t, rec, With("k", "v"))
	assert.Equal(t, 4, rec.calls)
}

type recordingLogger struct{ calls int }

func (r *recordingLogger) Debugf(string, ...any) { r.calls++ }
func (r *recordingLogger) Infof(string, ...any)  { r.calls++ }
func (r *recordingLogger) Warnf(string, ...any)  { r.calls++ }
func (r *recordingLogger) Errorf(string, ...any) { r.calls++ }
func (r *recordingLogger) With(...any) Logger    { return r }
