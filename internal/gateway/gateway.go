// ABOUTME: Gateway orchestrator wiring store, provider, webhook, dispatch and realtime components
// ABOUTME: Owns the HTTP server lifecycle, optionally served over a tailscale Funnel listener

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chatline/internal/auth"
	"github.com/2389/chatline/internal/config"
	"github.com/2389/chatline/internal/conversation"
	"github.com/2389/chatline/internal/dedupe"
	"github.com/2389/chatline/internal/dispatch"
	"github.com/2389/chatline/internal/media"
	"github.com/2389/chatline/internal/provider"
	"github.com/2389/chatline/internal/realtime"
	"github.com/2389/chatline/internal/store"
	"github.com/2389/chatline/internal/webhook"
)

// Gateway orchestrates the chatline server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	relay        *media.Relay
	provider     *provider.Client
	guard        dedupe.Guard
	broadcaster  *conversation.Broadcaster
	conversation *conversation.Service
	dispatcher   *dispatch.Dispatcher
	receiver     *webhook.Receiver
	hub          *realtime.Hub
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	startedAt time.Time
}

// initGuard picks the shared Redis replay guard when configured, else the in-process cache.
func initGuard(ctx context.Context, cfg config.WebhookConfig, logger *slog.Logger) (dedupe.Guard, error) {
	if cfg.RedisURL != "" {
		guard, err := dedupe.NewRedisGuard(ctx, cfg.RedisURL, cfg.DedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis replay guard: %w", err)
		}
		logger.Info("webhook replay guard: redis")
		return guard, nil
	}
	logger.Info("webhook replay guard: in-memory", "ttl", cfg.DedupeTTL, "max_entries", cfg.DedupeMaxEntries)
	return dedupe.New(cfg.DedupeTTL, cfg.DedupeMaxEntries), nil
}

// initVerifier returns nil (auth disabled) when no secret is configured.
func initVerifier(cfg config.AuthConfig, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured")
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("auth enabled (JWT)")
	return verifier, nil
}

// New creates a Gateway from cfg. Components that hold resources are closed
// by Shutdown, or immediately if New fails.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Gateway, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
	defer func() {
		if err != nil {
			g.closeComponents()
		}
	}()

	g.store, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g.relay, err = media.NewRelay(cfg.Media.Dir, cfg.Media.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("initializing media relay: %w", err)
	}
	if cfg.Media.PublicBaseURL == "" && !cfg.Tailscale.Funnel {
		logger.Warn("media.public_base_url not set - attachments need a publicUrl per request")
	}

	g.guard, err = initGuard(ctx, cfg.Webhook, logger)
	if err != nil {
		return nil, err
	}

	g.verifier, err = initVerifier(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	g.provider = provider.NewClient(provider.Config{
		APIBase:       cfg.Provider.APIBase,
		AccessToken:   cfg.Provider.AccessToken,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		Timeout:       cfg.Provider.Timeout,
		MaxMediaBytes: cfg.Media.MaxUploadBytes,
	}, nil, logger)

	g.broadcaster = conversation.NewBroadcaster(cfg.Realtime.SendBuffer, logger)
	g.conversation = conversation.New(g.store, g.broadcaster, logger)
	g.dispatcher = dispatch.New(g.provider, g.relay, g.conversation, logger)
	g.receiver = webhook.New(webhook.Config{
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		VerifyToken:   cfg.Provider.VerifyToken,
		AppSecret:     cfg.Provider.AppSecret,
	}, g.guard, g.provider, g.relay, g.conversation, logger)
	g.hub = realtime.NewHub(realtime.Config{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		SendBuffer:     cfg.Realtime.SendBuffer,
	}, g.conversation, g.relay, g.broadcaster, logger)

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Run serves HTTP until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return g.gracefulShutdown()
	})
	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "chatline", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and listens on it. With Funnel
// the listener is public HTTPS and its DNS name becomes the media base URL
// unless one is configured.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.Funnel {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
	ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
	}
	g.updateMediaBaseURLFromStatus(status)
	return ln, nil
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

// updateMediaBaseURLFromStatus points media links at the Funnel DNS name.
func (g *Gateway) updateMediaBaseURLFromStatus(status *ipnstate.Status) {
	if g.config.Media.PublicBaseURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	base := "https://" + strings.TrimSuffix(status.Self.DNSName, ".")
	g.relay.SetPublicBaseURL(base)
	g.logger.Info("media links use tailscale funnel name", "public_base_url", base)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New opened. Safe on a partial Gateway.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.guard != nil {
		errs = appendCloseError(errs, "replay guard close", g.guard.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	// Websocket connections are hijacked and invisible to http.Server.Shutdown.
	errs = appendCloseError(errs, "realtime close", g.hub.Close(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
