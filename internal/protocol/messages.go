// ABOUTME: Wire protocol spoken between the gateway and desktop clients over WebSocket.
// ABOUTME: Defines inbound/outbound message shapes and the type discriminators.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	TypeQuery    = "query"
	TypeAbort    = "abort"
	TypePing     = "ping"
	TypeGetTools = "get_tools"
)

// Outbound message types.
const (
	TypeReady      = "ready"
	TypeTools      = "tools"
	TypeStarted    = "started"
	TypeDebug      = "debug"
	TypeText       = "text"
	TypeToolStart  = "tool_start"
	TypeToolResult = "tool_result"
	TypeDone       = "done"
	TypeAborted    = "aborted"
	TypeError      = "error"
	TypePong       = "pong"
)

// Debug levels carried by DebugMessage.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ErrUnknownType is returned when an inbound message has an unrecognized type.
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformed is returned when an inbound message cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Inbound is the decoded form of any client message. Only the fields relevant
// to Type are populated.
type Inbound struct {
	Type          string          `json:"type"`
	Prompt        string          `json:"prompt,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	StoreID       string          `json:"storeId,omitempty"`
	AttachedPaths []string        `json:"attachedPaths,omitempty"`
}

// Decode parses a raw client frame. The config object is kept raw so the
// resolver can distinguish an absent enabledTools from an empty one.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch in.Type {
	case TypeQuery, TypeAbort, TypePing, TypeGetTools:
		return &in, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
}

// ToolInfo is the client-facing description of one tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ReadyMessage is sent once when a connection is established.
type ReadyMessage struct {
	Type    string     `json:"type"`
	Version string     `json:"version"`
	Tools   []ToolInfo `json:"tools"`
}

// ToolsMessage answers get_tools.
type ToolsMessage struct {
	Type  string     `json:"type"`
	Tools []ToolInfo `json:"tools"`
}

// StartedMessage marks admission of a query.
type StartedMessage struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	StoreID string `json:"storeId,omitempty"`
}

// DebugMessage carries informational or warning output that is not part of
// the agent's answer.
type DebugMessage struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TextMessage is an incremental chunk of assistant text.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolStartMessage reports that the agent invoked a tool.
type ToolStartMessage struct {
	Type  string          `json:"type"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// ToolResultMessage reports the outcome of the most recent tool invocation.
type ToolResultMessage struct {
	Type    string `json:"type"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// Usage summarises token and cost counters for a finished query.
type Usage struct {
	InputTokens  int64    `json:"inputTokens"`
	OutputTokens int64    `json:"outputTokens"`
	TotalCost    *float64 `json:"totalCost"`
	Turns        int      `json:"turns,omitempty"`
}

// DoneMessage terminates a successful (or upstream-reported) query.
type DoneMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Usage  Usage  `json:"usage"`
}

// AbortedMessage terminates a cancelled query.
type AbortedMessage struct {
	Type string `json:"type"`
}

// ErrorMessage terminates a failed query or rejects a request.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PongMessage answers ping.
type PongMessage struct {
	Type string `json:"type"`
}

// Constructors keep the Type discriminator consistent with the struct.

func Ready(version string, tools []ToolInfo) *ReadyMessage {
	return &ReadyMessage{Type: TypeReady, Version: version, Tools: nonNil(tools)}
}

func Tools(tools []ToolInfo) *ToolsMessage {
	return &ToolsMessage{Type: TypeTools, Tools: nonNil(tools)}
}

func Started(model, storeID string) *StartedMessage {
	return &StartedMessage{Type: TypeStarted, Model: model, StoreID: storeID}
}

func Debug(level, message string, data any) *DebugMessage {
	return &DebugMessage{Type: TypeDebug, Level: level, Message: message, Data: data}
}

func Text(text string) *TextMessage {
	return &TextMessage{Type: TypeText, Text: text}
}

func ToolStart(tool string, input json.RawMessage) *ToolStartMessage {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return &ToolStartMessage{Type: TypeToolStart, Tool: tool, Input: input}
}

func ToolResult(tool string, success bool, result, errText string) *ToolResultMessage {
	return &ToolResultMessage{Type: TypeToolResult, Tool: tool, Success: success, Result: result, Error: errText}
}

func Done(status string, usage Usage) *DoneMessage {
	return &DoneMessage{Type: TypeDone, Status: status, Usage: usage}
}

func Aborted() *AbortedMessage {
	return &AbortedMessage{Type: TypeAborted}
}

func Error(msg string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Error: msg}
}

func Pong() *PongMessage {
	return &PongMessage{Type: TypePong}
}

// TypeOf returns the discriminator of an outbound message, or "" if msg is
// not one of the protocol types.
func TypeOf(msg any) string {
	switch m := msg.(type) {
	case *ReadyMessage:
		return m.Type
	case *ToolsMessage:
		return m.Type
	case *StartedMessage:
		return m.Type
	case *DebugMessage:
		return m.Type
	case *TextMessage:
		return m.Type
	case *ToolStartMessage:
		return m.Type
	case *ToolResultMessage:
		return m.Type
	case *DoneMessage:
		return m.Type
	case *AbortedMessage:
		return m.Type
	case *ErrorMessage:
		return m.Type
	case *PongMessage:
		return m.Type
	default:
		return ""
	}
}

// IsTerminal reports whether an outbound message ends a query.
func IsTerminal(msgType string) bool {
	return msgType == TypeDone || msgType == TypeAborted || msgType == TypeError
}

func nonNil(tools []ToolInfo) []ToolInfo {
	if tools == nil {
		return []ToolInfo{}
	}
	return tools
}
