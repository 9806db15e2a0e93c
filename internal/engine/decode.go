// ABOUTME: Decodes the agent CLI's stream-json output into engine events.
// ABOUTME: Each stdout line is one JSON object; unknown lines produce no events.

package engine

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// DecodeLine maps one stream-json line to zero or more events.
func DecodeLine(line []byte) []Event {
	if !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "system":
		if root.Get("subtype").String() != "init" {
			return nil
		}
		var tools []string
		for _, t := range root.Get("tools").Array() {
			tools = append(tools, t.String())
		}
		return []Event{Init{
			SessionID: root.Get("session_id").String(),
			Model:     root.Get("model").String(),
			Tools:     tools,
		}}

	case "stream_event":
		return decodeStreamEvent(root.Get("event"))

	case "assistant":
		// Text in complete assistant messages was already streamed as deltas.
		var events []Event
		for _, block := range root.Get("message.content").Array() {
			if block.Get("type").String() == "tool_use" {
				events = append(events, toolStartFrom(block))
			}
		}
		return events

	case "user":
		var events []Event
		for _, block := range root.Get("message.content").Array() {
			if block.Get("type").String() != "tool_result" {
				continue
			}
			events = append(events, ToolResult{
				ToolUseID: block.Get("tool_use_id").String(),
				Content:   toolResultText(block.Get("content")),
				IsError:   block.Get("is_error").Bool(),
			})
		}
		return events

	case "result":
		r := Result{
			Status:       root.Get("subtype").String(),
			IsError:      root.Get("is_error").Bool(),
			Turns:        int(root.Get("num_turns").Int()),
			InputTokens:  root.Get("usage.input_tokens").Int(),
			OutputTokens: root.Get("usage.output_tokens").Int(),
			Text:         root.Get("result").String(),
		}
		if cost := root.Get("total_cost_usd"); cost.Exists() && cost.Type == gjson.Number {
			v := cost.Float()
			r.TotalCost = &v
		}
		if r.Status == "" {
			r.Status = "success"
		}
		return []Event{r}
	}
	return nil
}

func decodeStreamEvent(ev gjson.Result) []Event {
	switch ev.Get("type").String() {
	case "content_block_delta":
		if ev.Get("delta.type").String() == "text_delta" {
			return []Event{TextDelta{Text: ev.Get("delta.text").String()}}
		}
	case "content_block_start":
		block := ev.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return []Event{toolStartFrom(block)}
		}
	}
	return nil
}

func toolStartFrom(block gjson.Result) ToolStart {
	ts := ToolStart{
		ID:   block.Get("id").String(),
		Name: block.Get("name").String(),
	}
	if in := block.Get("input"); in.Exists() && in.IsObject() {
		ts.Input = json.RawMessage(in.Raw)
	}
	return ts
}

// toolResultText flattens tool_result content, which is either a string or
// a list of content blocks.
func toolResultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}
