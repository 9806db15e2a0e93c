// ABOUTME: Gateway orchestrator that wires the registry, agent engine, MCP endpoint and client sockets
// ABOUTME: Manages HTTP, optional gRPC health, optional tailnet listeners, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/query-gateway/internal/config"
	"github.com/2389/query-gateway/internal/dispatch"
	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/mcp"
	"github.com/2389/query-gateway/internal/metrics"
	"github.com/2389/query-gateway/internal/query"
	"github.com/2389/query-gateway/internal/registry"
	"github.com/2389/query-gateway/internal/session"
	"github.com/2389/query-gateway/internal/store"
)

// Gateway owns the process-wide components and every client connection.
type Gateway struct {
	config   *config.Config
	version  string
	logger   *slog.Logger
	store    store.Store
	metrics  *metrics.Metrics
	cache    *registry.Cache
	source   registry.Source
	engine   engine.Engine
	resolver *query.Resolver

	mcpTokens *mcp.TokenStore
	mcpServer *mcp.Server

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// publicURL is the base URL handed to agent processes for /mcp.
	publicURL string

	connMu sync.Mutex
	conns  map[string]*client

	// shutdownOnce guards Shutdown against running twice.
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithEngine replaces the agent process engine.
func WithEngine(e engine.Engine) Option {
	return func(g *Gateway) { g.engine = e }
}

// WithSource replaces the configured registry source.
func WithSource(s registry.Source) Option {
	return func(g *Gateway) { g.source = s }
}

// WithVersion sets the version reported in ready messages.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// initStore creates the query ledger from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("QUERY_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewSource builds the registry source named by cfg.
func NewSource(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (registry.Source, error) {
	switch cfg.Source {
	case config.SourcePostgres:
		src, err := registry.NewPostgresSource(ctx, cfg.DatabaseURL, cfg.Table, logger.With("component", "registry-postgres"))
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceHTTP, "":
		return registry.NewHTTPSource(cfg.URL, cfg.Credential, cfg.Timeout, logger.With("component", "registry-http")), nil
	default:
		return nil, fmt.Errorf("unknown registry source %q", cfg.Source)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		version:   "dev",
		logger:    logger.With("component", "gateway"),
		publicURL: cfg.Server.PublicURL,
		conns:     make(map[string]*client),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.source == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		src, err := NewSource(ctx, cfg.Registry, logger)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("creating registry source: %w", err)
		}
		g.source = src
	}
	if g.engine == nil {
		g.engine = engine.NewProcessEngine(engine.ProcessConfig{
			Binary:    cfg.Agent.Binary,
			ExtraArgs: cfg.Agent.ExtraArgs,
			Logger:    logger.With("component", "engine"),
		})
	}

	s, err := initStore(cfg)
	if err != nil {
		_ = g.closeSource()
		return nil, err
	}
	g.store = s

	g.metrics = metrics.New()
	g.cache = registry.NewCache(g.source,
		registry.WithTTL(cfg.Registry.CacheTTL),
		registry.WithLogger(logger),
		registry.WithObserver(g.metrics),
	)
	g.resolver = query.NewResolver(query.Defaults{
		Model:          cfg.Agent.DefaultModel,
		APIKey:         cfg.Agent.APIKey,
		MaxTurns:       cfg.Agent.MaxTurns,
		PermissionMode: cfg.Agent.PermissionMode,
		ServerName:     cfg.Agent.MCPServerName,
	})

	g.mcpTokens = mcp.NewTokenStore()
	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Router: dispatch.NewRouter(dispatch.RouterConfig{
			Logger:   logger.With("component", "dispatch"),
			Timeout:  cfg.Agent.ToolTimeout,
			Observer: g.metrics,
		}),
		TokenStore: g.mcpTokens,
		Logger:     logger,
		Version:    g.version,
	})
	if err != nil {
		_ = g.closeSource()
		_ = g.store.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		g.grpcServer, g.healthServer = newHealthGRPCServer()
	}

	return g, nil
}

// sessionDeps builds the shared dependencies handed to each new session.
func (g *Gateway) sessionDeps() *session.Deps {
	var executor dispatch.ToolHandler
	if g.config.Registry.ExecuteURL != "" {
		executor = dispatch.NewHTTPExecutor(g.config.Registry.ExecuteURL, g.config.Registry.Credential).Handle
	}
	return &session.Deps{
		Cache:         g.cache,
		Resolver:      g.resolver,
		Engine:        g.engine,
		Endpoint:      g.mcpServer,
		Executor:      executor,
		MCPServerName: g.mcpServerName(),
		MCPBaseURL:    g.publicURL,
		Store:         g.store,
		Observer:      g.metrics,
		Logger:        g.logger,
	}
}

func (g *Gateway) mcpServerName() string {
	if g.config.Agent.MCPServerName != "" {
		return g.config.Agent.MCPServerName
	}
	return "gateway"
}

// Prepare performs the startup work that precedes serving: the initial
// registry load and closing ledger rows left running by a previous process.
func (g *Gateway) Prepare(ctx context.Context) {
	if err := g.cache.Load(ctx); err != nil {
		g.logger.Warn("initial tool registry load failed; serving with zero tools", "error", err)
	} else {
		g.logger.Info("tool registry loaded", "source", g.source.Name(), "tools", g.cache.Snapshot().Len())
	}
	g.setServingStatus()

	if _, err := g.store.MarkInterrupted(ctx); err != nil {
		g.logger.Warn("failed to close interrupted queries", "error", err)
	}
}

// setupTCPListeners creates standard TCP listeners for HTTP and optional gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "mcp_base_url", g.publicURL)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.Prepare(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "query-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 (and :50051
// for gRPC health when enabled).
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.updatePublicURLFromStatus(status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updatePublicURLFromStatus points agent processes at the tailnet DNS name
// unless public_url was configured.
func (g *Gateway) updatePublicURLFromStatus(status *ipnstate.Status) {
	if g.config.Server.PublicURL != "" {
		return
	}
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	newURL := "http://" + strings.TrimSuffix(status.Self.DNSName, ".")
	if newURL != g.publicURL {
		g.logger.Info("updated MCP base URL to use Tailscale DNS name", "old", g.publicURL, "new", newURL)
		g.publicURL = newURL
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeSource() error {
	if c, ok := g.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Shutdown closes every client connection, stops the servers, and releases
// resources. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.closeClients()

		if g.grpcServer != nil {
			g.healthServer.Shutdown()
			g.shutdownGRPCServer(ctx)
		}
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
		errs = appendCloseError(errs, "registry source close", g.closeSource())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// client is one accepted socket and its session.
type client struct {
	session *session.Session
	conn    *websocket.Conn
}

// addClient tracks a live connection.
func (g *Gateway) addClient(c *client) {
	g.connMu.Lock()
	g.conns[c.session.ID] = c
	g.connMu.Unlock()
	g.metrics.ConnectionOpened()
}

// removeClient stops tracking a connection.
func (g *Gateway) removeClient(id string) {
	g.connMu.Lock()
	_, ok := g.conns[id]
	delete(g.conns, id)
	g.connMu.Unlock()
	if ok {
		g.metrics.ConnectionClosed()
	}
}

// ConnectionCount returns the number of open client connections.
func (g *Gateway) ConnectionCount() int {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return len(g.conns)
}

// closeClients aborts every in-flight query and closes every socket.
func (g *Gateway) closeClients() {
	g.connMu.Lock()
	clients := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		clients = append(clients, c)
	}
	g.connMu.Unlock()

	for _, c := range clients {
		c.session.Close()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
