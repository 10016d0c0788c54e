// ABOUTME: Gateway orchestrator that wires the session engine to its frontends and servers
// ABOUTME: Manages HTTP, gRPC health, tsnet listeners, the reset schedule and graceful shutdown

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

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/cobrai-gateway/internal/catalog"
	"github.com/2389/cobrai-gateway/internal/config"
	"github.com/2389/cobrai-gateway/internal/dedupe"
	"github.com/2389/cobrai-gateway/internal/dispatch"
	"github.com/2389/cobrai-gateway/internal/engine"
	"github.com/2389/cobrai-gateway/internal/inbound"
	"github.com/2389/cobrai-gateway/internal/matrix"
	"github.com/2389/cobrai-gateway/internal/model"
	"github.com/2389/cobrai-gateway/internal/redact"
	"github.com/2389/cobrai-gateway/internal/session"
	"github.com/2389/cobrai-gateway/internal/store"
	"github.com/2389/cobrai-gateway/internal/whatsapp"
)

const (
	// eventDeadline bounds the processing of one inbound event, model retries included.
	eventDeadline = 3 * time.Minute

	// retryBackoff is the base delay between model attempts when attempts > 1.
	retryBackoff = time.Second

	// tailnetGRPCPort is used for the health service when running on tsnet.
	tailnetGRPCPort = ":50051"
)

// Deps overrides external services. Nil fields are built from config.
type Deps struct {
	Completer   model.Completer
	Transcriber inbound.Transcriber
}

// Gateway owns the session engine and every server that feeds it.
type Gateway struct {
	config     *config.Config
	catalog    *catalog.Catalog
	sessions   *session.MemoryStore
	dispatcher *dispatch.Dispatcher
	dedupe     *dedupe.Cache
	ledger     store.Ledger
	redactor   *redact.Redactor
	matrix     *matrix.Frontend
	scheduler  *cron.Cron

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// eventCtx is the parent of every asynchronous event; canceled when draining times out.
	eventCtx    context.Context
	cancelEvent context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway with some external services replaced.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cat, err := catalog.Load(cfg.Features.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading feature catalog: %w", err)
	}

	ledger, err := initLedger(cfg)
	if err != nil {
		return nil, err
	}

	sessions := session.NewMemoryStore(cat.Preamble)
	eventCtx, cancelEvent := context.WithCancel(context.Background())

	g := &Gateway{
		config:      cfg,
		catalog:     cat,
		sessions:    sessions,
		dedupe:      dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		ledger:      ledger,
		redactor:    redact.New(redactKey(cfg.Logging.RedactKey), cfg.Logging.Redact()),
		logger:      logger.With("component", "gateway"),
		eventCtx:    eventCtx,
		cancelEvent: cancelEvent,
	}

	completer, transcriber := deps.Completer, deps.Transcriber
	if completer == nil {
		completer = model.NewClient(model.Options{
			BaseURL:           cfg.Model.BaseURL,
			APIKey:            cfg.Model.APIKey,
			Timeout:           cfg.Model.Timeout,
			RequestsPerSecond: cfg.Model.RequestsPerSecond,
		}, logger)
	}
	if transcriber == nil {
		transcriber = model.NewWhisper(model.NewClient(model.Options{
			BaseURL: cfg.Transcription.BaseURL,
			APIKey:  cfg.Transcription.APIKey,
			Timeout: cfg.Model.Timeout,
		}, logger), cfg.Transcription.Model)
	}

	aiGateway := engine.NewGateway(sessions, completer, cat, model.Decoding{
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		TopP:        cfg.Model.TopP,
		MaxTokens:   cfg.Model.MaxTokens,
		JSONOnly:    cfg.Model.UseJSONMode(),
	}, engine.PolicyFor(cfg.Model.Attempts, cfg.Model.Timeout, retryBackoff), logger)

	opts := dispatch.Options{
		Store:      sessions,
		Normalizer: inbound.NewNormalizer(transcriber, cfg.Transcription.Language, logger),
		Gateway:    aiGateway,
		Router:     engine.NewRouter(sessions, cat, logger),
		Catalog:    cat,
		Dedupe:     g.dedupe,
		Redactor:   g.redactor,
		Model:      cfg.Model.Model,
	}
	if ledger != nil {
		opts.Recorder = ledger
	}
	g.dispatcher = dispatch.New(opts, logger)

	var webhook http.Handler
	if cfg.WhatsApp.Enabled {
		client := whatsapp.NewClient(whatsapp.ClientConfig{
			BaseURL:     cfg.WhatsApp.GraphURL,
			APIVersion:  cfg.WhatsApp.APIVersion,
			AccessToken: cfg.WhatsApp.AccessToken,
		}, logger)
		g.dispatcher.Register(dispatch.Channel{Name: whatsapp.ChannelName, Fetcher: client, Deliverer: client})
		webhook = whatsapp.NewHandler(whatsapp.HandlerConfig{
			VerifyToken: cfg.WhatsApp.VerifyToken,
			AppSecret:   cfg.WhatsApp.AppSecret,
			Sink:        g.enqueue,
		}, logger)
		if cfg.WhatsApp.AppSecret == "" {
			g.logger.Warn("whatsapp.app_secret not set - webhook payload signatures are not checked")
		}
	}

	if cfg.Matrix.Enabled {
		mx, err := matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			AccessToken:  cfg.Matrix.AccessToken,
			AllowedRooms: cfg.Matrix.AllowedRooms,
			Typing:       cfg.Matrix.Typing,
		}, g.enqueueThen, logger)
		if err != nil {
			g.closeResources()
			return nil, err
		}
		g.matrix = mx
		g.dispatcher.Register(dispatch.Channel{Name: matrix.ChannelName, Fetcher: mx, Deliverer: mx})
	}

	if spec := cfg.Sessions.ResetSchedule; spec != "" {
		g.scheduler, err = newResetScheduler(spec, func() { g.resetSessions("schedule") })
		if err != nil {
			g.closeResources()
			return nil, err
		}
	}

	if cfg.Server.GRPCAddr != "" {
		g.grpcServer, g.health = newHealthServer()
	}

	mux := http.NewServeMux()
	if err := g.registerRoutes(mux, webhook); err != nil {
		g.closeResources()
		return nil, err
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// initLedger opens the SQLite ledger. It returns nil when no path is configured.
func initLedger(cfg *config.Config) (store.Ledger, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COBRAI_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	return s, nil
}

// redactKey returns the configured key or a fresh random one.
func redactKey(configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	id := uuid.New()
	return id[:]
}

// enqueue processes an inbound event on its own goroutine.
// Events arriving after shutdown has begun are dropped.
func (g *Gateway) enqueue(evt inbound.Event) {
	g.enqueueThen(evt, func() {})
}

// enqueueThen runs evt like enqueue and calls done when it is finished or dropped.
func (g *Gateway) enqueueThen(evt inbound.Event, done func()) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		g.logger.Warn("dropping event received during shutdown", "channel", evt.Channel, "message_id", evt.MessageID)
		done()
		return
	}
	g.inflight.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.inflight.Done()
		defer done()
		ctx, cancel := context.WithTimeout(g.eventCtx, eventDeadline)
		defer cancel()
		g.dispatcher.Handle(ctx, evt)
	}()
}

// resetSessions clears every session and reports how many were dropped.
func (g *Gateway) resetSessions(trigger string) int {
	n := g.sessions.Len()
	g.sessions.ResetAll()
	g.logger.Info("sessions reset", "trigger", trigger, "cleared", n)
	return n
}

// ready reports whether the gateway can serve events.
func (g *Gateway) ready() (bool, string) {
	channels := g.dispatcher.Channels()
	if len(channels) == 0 {
		return false, "no channels registered"
	}
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		return false, "shutting down"
	}
	return true, fmt.Sprintf("ready (%d channels, %d sessions)", len(channels), g.sessions.Len())
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
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

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts every server in its own goroutine, returning an error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.matrix != nil {
		go func() {
			if err := g.matrix.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if g.scheduler != nil {
		g.scheduler.Start()
		g.logger.Info("session reset schedule active", "schedule", g.config.Sessions.ResetSchedule)
	}

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

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "cobrai-gateway", "tailscale"), nil
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

// setupTailscaleListeners starts a tsnet node and returns its listeners.
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

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.tsnetServer.Close()
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
	if g.config.Tailscale.Funnel && dnsName != "" {
		g.logger.Info("public webhook URL", "url", "https://"+trimDot(dnsName)+"/webhook")
	}
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// createTailscaleHTTPListener creates the HTTP listener. Funnel exposes the
// webhook publicly, which the WhatsApp platform needs to reach it.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
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

// drainEvents waits for in-flight events, canceling them if ctx expires first.
func (g *Gateway) drainEvents(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.cancelEvent()
		<-done
		return fmt.Errorf("in-flight events canceled: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeResources releases what New acquired.
func (g *Gateway) closeResources() error {
	g.cancelEvent()
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.ledger != nil {
		return g.ledger.Close()
	}
	return nil
}

// Shutdown stops accepting work, drains in-flight events and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.scheduler != nil {
		<-g.scheduler.Stop().Done()
	}
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "event drain", g.drainEvents(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "ledger close", g.closeResources())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
