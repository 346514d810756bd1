package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/gate/internal/auth"
	"github.com/alexjbarnes/gate/internal/bearer"
	"github.com/alexjbarnes/gate/internal/broker"
	"github.com/alexjbarnes/gate/internal/config"
	"github.com/alexjbarnes/gate/internal/logging"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/alexjbarnes/gate/internal/proxy"
	"github.com/alexjbarnes/gate/internal/registry"
	"github.com/alexjbarnes/gate/internal/server"
	"github.com/alexjbarnes/gate/internal/state"
	"github.com/alexjbarnes/gate/internal/upstream"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	var err error

	// Subcommands are handled before config loading where they need
	// less of it.
	switch {
	case len(os.Args) > 1 && os.Args[1] == "hash-api-key":
		err = hashAPIKey()
	case len(os.Args) > 1 && os.Args[1] == "seed-client":
		err = seedClient()
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashAPIKey reads a key from stdin and prints its bcrypt hash for use
// as GATE_API_KEY.
func hashAPIKey() error {
	fmt.Fprint(os.Stderr, "Enter API key: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	hash, err := broker.HashAPIKey(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return err
	}

	fmt.Println(hash)

	return nil
}

// seedClient waits for the upstream admin API and registers the browser
// login client, replacing any previous registration.
func seedClient() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hc := upstream.NewHTTPClient(cfg.UpstreamTimeout, nil)
	admin := upstream.NewAdmin(cfg.HydraAdminURL, hc, logger)

	if err := admin.WaitReady(ctx, upstream.DefaultReadyWait); err != nil {
		return err
	}

	client := upstream.BrowserClient(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURI, cfg.OAuthScope)

	if _, err := admin.Seed(ctx, client); err != nil {
		return err
	}

	logger.Info("seeded client",
		slog.String("client_id", client.ClientID),
		slog.String("auth_method", client.TokenEndpointAuthMethod),
	)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("gate starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
		slog.String("state_store", cfg.StateStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("base_url", cfg.BaseURL),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// readiness checks the admin API, and the state store when it can
// report its own health (Redis).
func readiness(admin *upstream.Admin, states state.Store) server.ReadinessChecker {
	checkers := []server.ReadinessChecker{admin}
	if rc, ok := states.(server.ReadinessChecker); ok {
		checkers = append(checkers, rc)
	}

	return server.ReadyAll(checkers...)
}

// build wires every component from cfg. cleanup releases the state store.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	m := metrics.New()

	throttle := upstream.NewThrottle(cfg.UpstreamMaxConcurrency)
	hc := upstream.NewHTTPClient(cfg.UpstreamTimeout, throttle)

	states, err := state.Open(ctx, state.Options{
		Backend:       cfg.StateStore,
		TTL:           cfg.StateTTL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		BoltPath:      cfg.StateDBPath,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}

	cleanup := func() {
		if err := states.Close(); err != nil {
			logger.Warn("closing state store", slog.String("error", err.Error()))
		}
	}

	reg, err := registry.Load(cfg.ClientsJSON, cfg.ClientsFile, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("loading client registry: %w", err)
	}

	tokens := upstream.NewClient(cfg.HydraPublicURL, hc, logger).WithMetrics(m)

	orch := auth.NewOrchestrator(auth.ClientConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scope:        cfg.OAuthScope,
		Audience:     cfg.OAuthAudience,
		AuthURL:      cfg.BaseURL + "/oauth2/auth",
	}, states, tokens, m, logger)

	keys := bearer.NewKeyCache(cfg.JWKSURL, hc, m, logger)
	verifier := bearer.NewVerifier(keys, bearer.Config{
		Issuer:          cfg.Issuer,
		Algorithm:       cfg.JWTAlgorithm,
		Audience:        cfg.Audience,
		EnforceAudience: cfg.EnforceAudience,
	}, m, logger)

	guard := broker.NewAPIKeyGuard(cfg.APIKey)
	if !guard.Enabled() {
		logger.Warn("GATE_API_KEY is not set; the token broker accepts unauthenticated requests")
	}

	handler, err := server.NewMux(server.MuxConfig{
		Logger:     logger,
		Metrics:    m,
		BaseURL:    cfg.BaseURL,
		Issuer:     cfg.Issuer,
		Scope:      cfg.OAuthScope,
		WebOrigins: cfg.WebOrigins(),
		Login: auth.NewHandlers(orch, auth.HandlerConfig{
			PostLoginRedirect: cfg.PostLoginRedirect,
			SecureCookies:     cfg.IsProduction(),
		}, logger),
		Broker:   broker.New(reg, tokens, m, logger),
		APIKey:   guard,
		Verifier: verifier,
		Ready:    readiness(upstream.NewAdmin(cfg.HydraAdminURL, hc, logger), states),
		Proxy: proxy.Config{
			HydraPublicURL: cfg.HydraPublicURL,
			LoginUIURL:     cfg.LoginUIURL,
			BaseURL:        cfg.BaseURL,
			Issuer:         cfg.Issuer,
			Timeout:        cfg.UpstreamTimeout,
		},
		ProxyTransport: throttle.Wrap(nil),
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return handler, cleanup, nil
}
