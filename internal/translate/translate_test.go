// ABOUTME: Tests for event-to-wire translation.
// ABOUTME: Covers ordering, tool correlation, truncation, and teardown suppression.

package translate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/protocol"
)

func translateAll(tr *Translator, events ...engine.Event) []any {
	var out []any
	for _, ev := range events {
		out = append(out, tr.Translate(ev)...)
	}
	return out
}

func TestTranslateStreamOrdering(t *testing.T) {
	cost := 0.5
	tr := New("mcp__gateway__")
	out := translateAll(tr,
		engine.Init{SessionID: "s", Model: "m"},
		engine.TextDelta{Text: "A"},
		engine.ToolStart{ID: "1", Name: "mcp__gateway__x", Input: json.RawMessage(`{"q":1}`)},
		engine.ToolResult{ToolUseID: "1", Content: "R"},
		engine.TextDelta{Text: "B"},
		engine.Result{Status: "success", InputTokens: 10, OutputTokens: 20, TotalCost: &cost},
	)

	var types []string
	for _, m := range out {
		types = append(types, protocol.TypeOf(m))
	}
	assert.Equal(t, []string{"debug", "text", "tool_start", "tool_result", "text", "done"}, types)

	assert.Equal(t, "A", out[1].(*protocol.TextMessage).Text)
	start := out[2].(*protocol.ToolStartMessage)
	assert.Equal(t, "x", start.Tool)
	assert.JSONEq(t, `{"q":1}`, string(start.Input))

	res := out[3].(*protocol.ToolResultMessage)
	assert.Equal(t, "x", res.Tool)
	assert.True(t, res.Success)
	assert.Equal(t, "R", res.Result)

	done := out[5].(*protocol.DoneMessage)
	assert.Equal(t, "success", done.Status)
	assert.Equal(t, int64(10), done.Usage.InputTokens)
	assert.Equal(t, int64(20), done.Usage.OutputTokens)
	require.NotNil(t, done.Usage.TotalCost)
	assert.Equal(t, 0.5, *done.Usage.TotalCost)
}

func TestTranslateTextBetweenToolStartAndResult(t *testing.T) {
	tr := New("mcp__gateway__")
	out := translateAll(tr,
		engine.Init{SessionID: "s", Model: "m"},
		engine.TextDelta{Text: "a"},
		engine.ToolStart{ID: "1", Name: "mcp__gateway__x"},
		engine.TextDelta{Text: "b"},
		engine.ToolResult{ToolUseID: "1", Content: "ok"},
		engine.Result{Status: "success"},
	)

	var types []string
	for _, m := range out {
		types = append(types, protocol.TypeOf(m))
	}
	assert.Equal(t, []string{"debug", "text", "tool_start", "text", "tool_result", "done"}, types)
	assert.Equal(t, "a", out[1].(*protocol.TextMessage).Text)
	assert.Equal(t, "b", out[3].(*protocol.TextMessage).Text)

	res := out[4].(*protocol.ToolResultMessage)
	assert.Equal(t, "x", res.Tool)
	assert.True(t, res.Success)
}

func TestTranslateToolCorrelation(t *testing.T) {
	t.Run("repeated start for same tool is idempotent", func(t *testing.T) {
		tr := New("mcp__gateway__")
		out := translateAll(tr,
			engine.ToolStart{ID: "1", Name: "mcp__gateway__x"},
			engine.ToolStart{ID: "1", Name: "mcp__gateway__x", Input: json.RawMessage(`{"full":true}`)},
		)
		assert.Len(t, out, 1)
		assert.Equal(t, "x", tr.CurrentTool())
	})

	t.Run("result clears current tool", func(t *testing.T) {
		tr := New("mcp__gateway__")
		translateAll(tr, engine.ToolStart{Name: "mcp__gateway__x"}, engine.ToolResult{Content: "ok"})
		assert.Equal(t, "", tr.CurrentTool())

		out := tr.Translate(engine.ToolStart{Name: "mcp__gateway__x"})
		assert.Len(t, out, 1, "same tool may start again after its result")
	})

	t.Run("result without start is unknown", func(t *testing.T) {
		tr := New("mcp__gateway__")
		out := tr.Translate(engine.ToolResult{Content: "orphan"})
		require.Len(t, out, 1)
		assert.Equal(t, UnknownTool, out[0].(*protocol.ToolResultMessage).Tool)
	})

	t.Run("error result carries error text", func(t *testing.T) {
		tr := New("")
		translateAll(tr, engine.ToolStart{Name: "x"})
		out := tr.Translate(engine.ToolResult{Content: "boom", IsError: true})
		res := out[0].(*protocol.ToolResultMessage)
		assert.False(t, res.Success)
		assert.Equal(t, "boom", res.Error)
	})

	t.Run("missing input becomes empty object", func(t *testing.T) {
		out := New("").Translate(engine.ToolStart{Name: "x"})
		assert.JSONEq(t, `{}`, string(out[0].(*protocol.ToolStartMessage).Input))
	})
}

func TestTranslateTruncation(t *testing.T) {
	tr := New("")
	translateAll(tr, engine.ToolStart{Name: "x"})
	long := strings.Repeat("é", MaxResultRunes+50)
	out := tr.Translate(engine.ToolResult{Content: long})
	res := out[0].(*protocol.ToolResultMessage)
	assert.Equal(t, MaxResultRunes, utf8.RuneCountInString(res.Result))
	assert.True(t, strings.HasSuffix(res.Result, "…"))

	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "abc…", Truncate("abcdefg", 4))
	assert.Equal(t, "…", Truncate("abcdefg", 1))
	assert.Equal(t, "", Truncate("abcdefg", 0))
}

func TestTranslateErrors(t *testing.T) {
	tr := New("")
	assert.Empty(t, tr.Translate(engine.Error{Err: context.Canceled}))
	assert.Empty(t, tr.Translate(engine.Error{Err: errors.New("Claude Code process exited with code 143")}))

	out := tr.Translate(engine.Error{Err: errors.New("overloaded")})
	require.Len(t, out, 1)
	assert.Equal(t, "overloaded", out[0].(*protocol.ErrorMessage).Error)
}

func TestTranslateEmptyTextDropped(t *testing.T) {
	assert.Empty(t, New("").Translate(engine.TextDelta{}))
}
