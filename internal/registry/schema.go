// ABOUTME: Compiles tool input schemas published by the registry.
// ABOUTME: Invalid schemas are reported but never block a registry load.

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a JSON schema document. Empty and null schemas yield
// a nil schema and no error.
func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("parsing input schema for %s: %w", toolName, err)
	}

	url := "tool://" + toolName + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("adding input schema for %s: %w", toolName, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling input schema for %s: %w", toolName, err)
	}
	return sch, nil
}

// NewEntry builds an entry and compiles its input schema. A schema that fails
// to compile is returned as an error alongside a usable entry without
// validation, so callers can log and keep the tool.
func NewEntry(name, category, description string, inputSchema json.RawMessage, handlerRef string) (*Entry, error) {
	e := &Entry{
		Name:        name,
		Category:    category,
		Description: description,
		InputSchema: inputSchema,
		HandlerRef:  handlerRef,
	}
	if len(bytes.TrimSpace(e.InputSchema)) == 0 {
		e.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	sch, err := compileSchema(name, e.InputSchema)
	if err != nil {
		return e, err
	}
	e.schema = sch
	return e, nil
}
