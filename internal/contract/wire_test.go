// ABOUTME: Contract tests for the client wire protocol and the gRPC health surface.
// ABOUTME: Fails when a message field is renamed or dropped, before desktop clients notice.

package contract

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/query-gateway/internal/protocol"
)

// expectedWire lists the JSON keys each outbound message must carry.
// Optional keys are populated in the sample so they are checked too.
var expectedWire = map[string]struct {
	msg  any
	keys []string
}{
	protocol.TypeReady: {
		msg:  protocol.Ready("1.0.0", []protocol.ToolInfo{{Name: "a", Category: "c", Description: "d"}}),
		keys: []string{"type", "version", "tools"},
	},
	protocol.TypeTools: {
		msg:  protocol.Tools(nil),
		keys: []string{"type", "tools"},
	},
	protocol.TypeStarted: {
		msg:  protocol.Started("m", "store-1"),
		keys: []string{"type", "model", "storeId"},
	},
	protocol.TypeDebug: {
		msg:  protocol.Debug(protocol.LevelWarn, "careful", map[string]any{"k": "v"}),
		keys: []string{"type", "level", "message", "data"},
	},
	protocol.TypeText: {
		msg:  protocol.Text("hi"),
		keys: []string{"type", "text"},
	},
	protocol.TypeToolStart: {
		msg:  protocol.ToolStart("products", nil),
		keys: []string{"type", "tool", "input"},
	},
	protocol.TypeToolResult: {
		msg:  protocol.ToolResult("products", false, "boom", "boom"),
		keys: []string{"type", "tool", "success", "result", "error"},
	},
	protocol.TypeDone: {
		msg:  protocol.Done("success", protocol.Usage{InputTokens: 1, OutputTokens: 2}),
		keys: []string{"type", "status", "usage"},
	},
	protocol.TypeAborted: {
		msg:  protocol.Aborted(),
		keys: []string{"type"},
	},
	protocol.TypeError: {
		msg:  protocol.Error("bad"),
		keys: []string{"type", "error"},
	},
	protocol.TypePong: {
		msg:  protocol.Pong(),
		keys: []string{"type"},
	},
}

// TestWireSurface verifies every outbound message's discriminator and keys.
func TestWireSurface(t *testing.T) {
	for msgType, expected := range expectedWire {
		t.Run(msgType, func(t *testing.T) {
			data, err := json.Marshal(expected.msg)
			require.NoError(t, err)

			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &fields))

			assert.JSONEq(t, `"`+msgType+`"`, string(fields["type"]))
			for _, key := range expected.keys {
				_, ok := fields[key]
				assert.True(t, ok, "%s should carry %q", msgType, key)
			}
			for key := range fields {
				if !slices.Contains(expected.keys, key) {
					t.Logf("INFO: extra key %s.%s not in contract (consider adding)", msgType, key)
				}
			}
		})
	}
}

// TestUsageSurface pins the usage object, including an explicit null cost.
func TestUsageSurface(t *testing.T) {
	data, err := json.Marshal(protocol.Usage{InputTokens: 5, OutputTokens: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputTokens":5,"outputTokens":7,"totalCost":null}`, string(data))
}

// TestInboundSurface verifies the inbound discriminators the gateway accepts.
func TestInboundSurface(t *testing.T) {
	for _, msgType := range []string{protocol.TypeQuery, protocol.TypeAbort, protocol.TypePing, protocol.TypeGetTools} {
		in, err := protocol.Decode([]byte(`{"type":"` + msgType + `"}`))
		require.NoError(t, err, msgType)
		assert.Equal(t, msgType, in.Type)
	}

	in, err := protocol.Decode([]byte(`{"type":"query","prompt":"p","storeId":"s","attachedPaths":["a"],"config":{"systemPrompt":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "p", in.Prompt)
	assert.Equal(t, "s", in.StoreID)
	assert.Equal(t, []string{"a"}, in.AttachedPaths)
	assert.JSONEq(t, `{"systemPrompt":"x"}`, string(in.Config))
}

// TestHealthServiceSurface verifies the gRPC health methods supervisors call.
func TestHealthServiceSurface(t *testing.T) {
	desc := healthpb.Health_ServiceDesc
	assert.Equal(t, "grpc.health.v1.Health", desc.ServiceName)

	methods := make([]string, 0, len(desc.Methods))
	for _, m := range desc.Methods {
		methods = append(methods, m.MethodName)
	}
	streams := make([]string, 0, len(desc.Streams))
	for _, s := range desc.Streams {
		streams = append(streams, s.StreamName)
	}
	assert.Contains(t, methods, "Check")
	assert.Contains(t, streams, "Watch")
}
