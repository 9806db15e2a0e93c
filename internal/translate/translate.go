// ABOUTME: Translates upstream engine events into client wire messages.
// ABOUTME: Holds only the per-query current-tool state; performs no I/O.

package translate

import (
	"strings"
	"unicode/utf8"

	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/protocol"
)

// MaxResultRunes bounds the tool result text forwarded to clients.
const MaxResultRunes = 2000

// UnknownTool names a tool result that arrived with no tool in flight.
const UnknownTool = "unknown"

// Translator converts one query's event stream. Create one per query.
type Translator struct {
	prefix      string
	currentTool string
}

// New creates a translator that strips prefix from tool names.
func New(prefix string) *Translator {
	return &Translator{prefix: prefix}
}

// CurrentTool returns the tool awaiting its result, or "".
func (t *Translator) CurrentTool() string {
	return t.currentTool
}

// Translate maps one event to the wire messages it produces, in order.
func (t *Translator) Translate(ev engine.Event) []any {
	switch e := ev.(type) {
	case engine.Init:
		return []any{protocol.Debug(protocol.LevelInfo, "agent session started", map[string]any{
			"sessionId": e.SessionID,
			"model":     e.Model,
			"tools":     len(e.Tools),
		})}

	case engine.TextDelta:
		if e.Text == "" {
			return nil
		}
		return []any{protocol.Text(e.Text)}

	case engine.ToolStart:
		name := t.displayName(e.Name)
		if name == t.currentTool {
			return nil
		}
		t.currentTool = name
		return []any{protocol.ToolStart(name, e.Input)}

	case engine.ToolResult:
		name := t.currentTool
		if name == "" {
			name = UnknownTool
		}
		t.currentTool = ""
		result := Truncate(e.Content, MaxResultRunes)
		errText := ""
		if e.IsError {
			errText = result
		}
		return []any{protocol.ToolResult(name, !e.IsError, result, errText)}

	case engine.Result:
		return []any{protocol.Done(e.Status, protocol.Usage{
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			TotalCost:    e.TotalCost,
			Turns:        e.Turns,
		})}

	case engine.Error:
		if engine.IsBenignTeardown(e.Err) {
			return nil
		}
		return []any{protocol.Error(e.Err.Error())}
	}
	return nil
}

func (t *Translator) displayName(name string) string {
	return strings.TrimPrefix(name, t.prefix)
}

// Truncate cuts s to at most limit runes. A cut string ends in an ellipsis
// marker that counts toward the limit.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
