// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Owns the store, session registry, router and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dm/internal/auth"
	"github.com/2389/coven-dm/internal/config"
	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/dedupe"
	"github.com/2389/coven-dm/internal/metrics"
	"github.com/2389/coven-dm/internal/store"
)

// healthInterval is how often the gRPC health status is refreshed.
const healthInterval = 10 * time.Second

// maxRetryKeys bounds the clientMsgId cache.
const maxRetryKeys = 10000

// Gateway orchestrates the coven-dm server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	verifier *auth.JWTVerifier
	accounts *auth.Accounts
	registry *conversation.Registry
	router   *conversation.Router
	history  *conversation.History
	metrics  *metrics.Metrics

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	upgrader    websocket.Upgrader
	handlers    map[string]requestHandler
	restLimiter *limiterPool
	logger      *slog.Logger

	// recent maps user+clientMsgId to the message already accepted for it.
	recent     *dedupe.Cache[*store.Message]
	retryLocks store.KeyedMutex

	// sessions tracks open sockets so shutdown can close them; hijacked
	// connections are not closed by http.Server.Shutdown.
	sessionsMu sync.Mutex
	sessions   map[*wsSession]struct{}
	closing    bool
}

// initStore opens the configured store. COVEN_DM_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(store.Options{
		Backend: cfg.Database.Backend,
		Driver:  cfg.Database.Driver,
		Path:    dbPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	registry := conversation.NewRegistry(logger, m)
	grpcServer, hs := createGRPCServer(logger.With("component", "grpc"))

	gw := &Gateway{
		config:   cfg,
		store:    s,
		verifier: verifier,
		accounts: auth.NewAccounts(s, verifier, cfg.Auth.TokenTTL, logger),
		registry: registry,
		router: conversation.NewRouter(s, s, registry, conversation.RouterOptions{
			PushTimeout:   cfg.Delivery.PushTimeout,
			MaxBodyLength: cfg.Delivery.MaxBodyLength,
			Metrics:       m,
			Logger:        logger,
		}),
		history:    conversation.NewHistory(s, logger),
		metrics:    m,
		grpcServer: grpcServer,
		health:     hs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Server.AllowedOrigins),
		},
		restLimiter: newLimiterPool(cfg.Sessions.SubmitRate, cfg.Sessions.SubmitBurst, limiterIdleTTL, maxLimiterKeys),
		logger:      logger.With("component", "gateway"),
		recent:      dedupe.New[*store.Message](cfg.Delivery.RetryWindow, maxRetryKeys),
		sessions:    make(map[*wsSession]struct{}),
	}
	gw.registerWSHandlers()

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	mux.HandleFunc("GET /ws", gw.handleWebSocket)
	gw.registerHTTPAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API, WebSocket and health routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the live session registry.
func (g *Gateway) Registry() *conversation.Registry {
	return g.registry
}

// Verifier exposes the token verifier, which also issues tokens.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// Store exposes the underlying store.
func (g *Gateway) Store() store.Store {
	return g.store
}

func (g *Gateway) trackSession(s *wsSession) bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrackSession(s *wsSession) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	delete(g.sessions, s)
}

// closeSessions stops accepting sockets and closes every open one.
func (g *Gateway) closeSessions() {
	g.sessionsMu.Lock()
	g.closing = true
	open := make([]*wsSession, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s)
	}
	g.sessionsMu.Unlock()

	for _, s := range open {
		g.registry.Unregister(s.userID, s)
		s.close()
	}
	if len(open) > 0 {
		g.logger.Info("closed live sessions", "count", len(open))
	}
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
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

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.updateHealth(ctx)
	healthCtx, stopHealth := context.WithCancel(ctx)
	go g.watchHealth(healthCtx, healthInterval)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopHealth()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-dm", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
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

// createTailscaleHTTPListener returns a funnel listener on :443 when funnel is
// enabled, otherwise a TLS listener on :443 using Tailscale certs.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

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

// waitForPushes waits for queued pushes to drain, giving up when ctx ends.
func (g *Gateway) waitForPushes(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.router.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached with pushes still queued")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Sessions are unregistered before the store closes, so no message is
// accepted without being durable.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.closeSessions()
	g.shutdownGRPCServer(ctx)
	g.router.Close()
	g.waitForPushes(ctx)
	g.recent.Close()
	g.restLimiter.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live sessions)", g.registry.Count())
}
