// ABOUTME: Tool handler that forwards calls to the registry's remote execution endpoint.
// ABOUTME: Business logic lives behind that endpoint; the gateway only relays input and output.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxResponseSize bounds a tool execution response body.
const maxResponseSize = 4 * 1024 * 1024

// HTTPExecutor posts tool calls to an execution endpoint.
type HTTPExecutor struct {
	url        string
	credential string
	client     *http.Client
}

// NewHTTPExecutor creates an executor for url, authenticating with credential.
func NewHTTPExecutor(url, credential string) *HTTPExecutor {
	return &HTTPExecutor{
		url:        url,
		credential: credential,
		// Per-call deadlines come from the router's context.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type executeRequest struct {
	Tool       string          `json:"tool"`
	HandlerRef string          `json:"handlerRef,omitempty"`
	Input      json.RawMessage `json:"input"`
	StoreID    string          `json:"storeId,omitempty"`
	TraceID    string          `json:"traceId"`
}

// Handle is a ToolHandler.
func (e *HTTPExecutor) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	body, err := json.Marshal(executeRequest{
		Tool:       call.Tool,
		HandlerRef: call.HandlerRef,
		Input:      call.Input,
		StoreID:    call.StoreID,
		TraceID:    call.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.credential != "" {
		req.Header.Set("Authorization", "Bearer "+e.credential)
		req.Header.Set("apikey", e.credential)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", call.Tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", call.Tool, err)
	}

	if msg := gjson.GetBytes(data, "error"); msg.Exists() && msg.Type != gjson.Null {
		return nil, fmt.Errorf("%s: %s", call.Tool, errorText(msg))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: executor returned %d: %s", call.Tool, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if result := gjson.GetBytes(data, "result"); result.Exists() {
		return json.RawMessage(result.Raw), nil
	}
	if !gjson.ValidBytes(data) {
		// Plain-text responses are wrapped as a JSON string.
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return json.RawMessage(data), nil
}

func errorText(msg gjson.Result) string {
	if msg.IsObject() {
		if m := msg.Get("message"); m.Exists() {
			return m.String()
		}
		return msg.Raw
	}
	return msg.String()
}
