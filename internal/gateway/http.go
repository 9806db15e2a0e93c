// ABOUTME: HTTP surface of the gateway: client WebSocket, health, metrics, and MCP routes
// ABOUTME: Each WebSocket connection gets one session that owns its query lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2389/query-gateway/internal/session"
)

const (
	// maxFrameBytes bounds one inbound client message.
	maxFrameBytes = 4 << 20
	// writeTimeout bounds one outbound client message.
	writeTimeout = 10 * time.Second
)

// routes builds the chi router for every HTTP endpoint.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/ws", g.handleWebSocket)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Group(func(mr chi.Router) {
		mr.Use(g.requestLogger)
		g.mcpServer.RegisterRoutes(mr)
	})

	return r
}

// requestLogger logs completed non-socket requests at debug level.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once a registry load has been attempted.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.cache.Attempted() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("tool registry not loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tools)", g.cache.Snapshot().Len())
}

// wsSender writes protocol messages to one socket.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, msg)
}

// handleWebSocket accepts a client socket and runs its read loop.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Desktop clients do not send a browser Origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	logger := g.logger.With("connection_id", id)
	sess := session.New(id, &wsSender{conn: conn}, g.sessionDeps())
	g.addClient(&client{session: sess, conn: conn})

	logger.Info("=== client connected ===", "remote", r.RemoteAddr)
	defer func() {
		sess.Close()
		g.removeClient(id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		logger.Info("=== client disconnected ===")
	}()

	if err := sess.SendReady(g.version); err != nil {
		logger.Warn("failed to send ready", "error", err)
		return
	}

	ctx := r.Context()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if !isNormalClose(err) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if err := sess.Handle(ctx, frame); err != nil {
			logger.Warn("write failed, closing connection", "error", err)
			return
		}
	}
}

func isNormalClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled)
}
