// ABOUTME: Tests for the Gateway orchestrator over real HTTP, WebSocket, and gRPC listeners
// ABOUTME: Uses a scripted engine and an in-memory registry source in place of external services

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/query-gateway/internal/config"
	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/protocol"
	"github.com/2389/query-gateway/internal/registry"
)

type staticSource struct {
	entries []*registry.Entry
	err     error
	fetches atomic.Int64
}

func (s *staticSource) Fetch(ctx context.Context) ([]*registry.Entry, error) {
	s.fetches.Add(1)
	return s.entries, s.err
}

func (s *staticSource) Name() string { return "static" }

// freeAddr finds an available loopback address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	httpAddr := freeAddr(t)
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:  httpAddr,
			PublicURL: "http://" + httpAddr,
		},
		Registry: config.RegistryConfig{
			Source:   config.SourceHTTP,
			CacheTTL: time.Minute,
		},
		Agent: config.AgentConfig{
			APIKey:        "sk-test",
			MCPServerName: "gateway",
		},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSource(t *testing.T) *staticSource {
	t.Helper()
	e, err := registry.NewEntry("products", "inventory", "List products", json.RawMessage(`{"type":"object"}`), "products.list")
	require.NoError(t, err)
	return &staticSource{entries: []*registry.Entry{e}}
}

func newTestGateway(t *testing.T, cfg *config.Config, eng engine.Engine) (*Gateway, *staticSource) {
	t.Helper()
	src := testSource(t)
	gw, err := New(cfg, testLogger(), WithSource(src), WithEngine(eng), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, src
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		msg := readMessage(t, conn)
		out = append(out, msg)
		if msg["type"] == msgType {
			return out
		}
	}
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGateway(t, cfg, &engine.ScriptedEngine{})

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.cache)
	assert.NotNil(t, gw.mcpServer)
	assert.Nil(t, gw.grpcServer, "gRPC health is off without grpc_addr")
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(context.Background(), config.RegistryConfig{Source: config.SourceHTTP, URL: "http://registry"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &registry.HTTPSource{}, src)

	_, err = NewSource(context.Background(), config.RegistryConfig{Source: "ftp"}, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	gw.Prepare(context.Background())

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 tools)", string(body))
}

func TestReadyAfterFailedRegistryLoad(t *testing.T) {
	gw, src := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	src.err = errors.New("registry down")
	gw.Prepare(context.Background())

	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (0 tools)", string(body))
}

func TestWebSocketQueryRoundTrip(t *testing.T) {
	eng := &engine.ScriptedEngine{Script: []engine.Event{
		engine.TextDelta{Text: "Hello"},
		engine.ToolStart{Name: "mcp__gateway__products", Input: json.RawMessage(`{}`)},
		engine.ToolResult{Content: "x"},
		engine.Result{Status: "success", InputTokens: 3, OutputTokens: 4},
	}}
	gw, _ := newTestGateway(t, testConfig(t), eng)
	gw.Prepare(context.Background())
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	conn := dial(t, srv)

	ready := readMessage(t, conn)
	assert.Equal(t, protocol.TypeReady, ready["type"])
	assert.Equal(t, "test", ready["version"])
	assert.Len(t, ready["tools"], 1)

	writeMessage(t, conn, `{"type":"query","prompt":"hi","config":{"systemPrompt":"be brief"}}`)
	msgs := readUntil(t, conn, protocol.TypeDone)

	var types []string
	for _, m := range msgs {
		types = append(types, m["type"].(string))
	}
	assert.Equal(t, []string{"started", "text", "tool_start", "tool_result", "done"}, types)
	assert.Equal(t, "products", msgs[3]["tool"])
	assert.Equal(t, "x", msgs[3]["result"])

	reqs := eng.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].MCPURL, gw.config.Server.PublicURL+"/mcp/"))

	require.Eventually(t, func() bool {
		rows, err := gw.store.ListQueries(context.Background(), 10)
		return err == nil && len(rows) == 1 && rows[0].Status == "success"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, gw.mcpTokens.TokenCount(), "token revoked after the query ends")
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, `{{{`)
	assert.Equal(t, protocol.TypeError, readMessage(t, conn)["type"])

	writeMessage(t, conn, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, readMessage(t, conn)["type"])
}

func TestWebSocketGetToolsReloads(t *testing.T) {
	gw, src := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	gw.Prepare(context.Background())
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	before := src.fetches.Load()

	writeMessage(t, conn, `{"type":"get_tools"}`)
	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeTools, msg["type"])
	assert.Equal(t, before+1, src.fetches.Load())
}

func TestConnectionTracking(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	assert.Equal(t, 1, gw.ConnectionCount())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return gw.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	gw.Prepare(context.Background())
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "query_gateway_registry_tools 1")
}

func TestMCPUnknownToken(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig(t), &engine.ScriptedEngine{})
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp/not-a-token", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	gw, _ := newTestGateway(t, cfg, &engine.ScriptedEngine{Hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	grpcConn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer grpcConn.Close()
	hc := healthpb.NewHealthClient(grpcConn)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// An in-flight query must not block shutdown.
	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()
	conn, _, err := websocket.Dial(wsCtx, "ws://"+cfg.Server.HTTPAddr+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	readMessage(t, conn)
	writeMessage(t, conn, `{"type":"query","prompt":"hi","config":{"systemPrompt":"s"}}`)
	assert.Equal(t, protocol.TypeStarted, readMessage(t, conn)["type"])

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, gw.mcpTokens.TokenCount())
}

func TestAppendCloseError(t *testing.T) {
	var errs []error
	errs = appendCloseError(errs, "a", nil)
	assert.Empty(t, errs)
	errs = appendCloseError(errs, "b", errors.New("boom"))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "b: boom")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}
