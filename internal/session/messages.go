// ABOUTME: Helpers that build client-facing messages from registry and resolver output
// ABOUTME: Covers tool metadata conversion, resolution warnings, and the prompt preamble

package session

import (
	"fmt"
	"strings"

	"github.com/2389/query-gateway/internal/protocol"
	"github.com/2389/query-gateway/internal/query"
	"github.com/2389/query-gateway/internal/registry"
)

// ToolInfos converts registry metadata to its wire form.
func ToolInfos(meta []registry.Metadata) []protocol.ToolInfo {
	out := make([]protocol.ToolInfo, len(meta))
	for i, m := range meta {
		out[i] = protocol.ToolInfo{Name: m.Name, Category: m.Category, Description: m.Description}
	}
	return out
}

// warningMessages reports non-fatal resolution outcomes as debug messages.
// Model fallback is not one of them; it is only logged.
func warningMessages(eff *query.Effective) []any {
	var out []any
	if eff.HasWarning(query.ToolFilterEmpty) {
		out = append(out, protocol.Debug(protocol.LevelWarn,
			"none of the enabled tools are available; continuing without tools", nil))
	}
	if len(eff.UnknownTools) > 0 {
		out = append(out, protocol.Debug(protocol.LevelWarn,
			"ignoring unknown tools", map[string]any{"tools": eff.UnknownTools}))
	}
	return out
}

// BuildPrompt prefixes prompt with the store and attachment context the
// client supplied.
func BuildPrompt(prompt, storeID string, attachedPaths []string) string {
	if storeID == "" && len(attachedPaths) == 0 {
		return prompt
	}

	var b strings.Builder
	if storeID != "" {
		fmt.Fprintf(&b, "Store ID: %s\n", storeID)
	}
	if len(attachedPaths) > 0 {
		b.WriteString("Attached files:\n")
		for _, p := range attachedPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}
