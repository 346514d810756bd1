// Package server assembles the gateway's HTTP surface.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/gate/internal/auth"
	"github.com/alexjbarnes/gate/internal/broker"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/alexjbarnes/gate/internal/proxy"
	"github.com/rs/cors"
)

// ReadinessChecker reports whether a dependency can take requests.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

type readyAll []ReadinessChecker

func (rs readyAll) Ready(ctx context.Context) error {
	for _, r := range rs {
		if err := r.Ready(ctx); err != nil {
			return err
		}
	}

	return nil
}

// ReadyAll combines checkers; the first failure is reported. Nil
// checkers are skipped.
func ReadyAll(checkers ...ReadinessChecker) ReadinessChecker {
	var rs readyAll

	for _, c := range checkers {
		if c != nil {
			rs = append(rs, c)
		}
	}

	return rs
}

// MuxConfig holds dependencies for building the HTTP handler.
type MuxConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// BaseURL is the gateway's public base, used in WWW-Authenticate and
	// resource metadata.
	BaseURL string
	Issuer  string
	Scope   string

	// WebOrigins are the browser origins allowed by CORS, with
	// credentials.
	WebOrigins []string

	Login    *auth.Handlers
	Broker   *broker.Broker
	APIKey   *broker.APIKeyGuard
	Verifier auth.TokenVerifier
	Ready    ReadinessChecker

	Proxy          proxy.Config
	ProxyTransport http.RoundTripper
}

// NewMux builds the gateway handler: login flow, token broker, protected
// routes, forwarded upstream routes and operational endpoints, wrapped in
// CORS and request logging.
func NewMux(cfg MuxConfig) (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", handleReady(cfg.Ready, cfg.Logger))
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		httputil.RenderJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	mux.HandleFunc("/oauth/login", cfg.Login.Login)
	mux.HandleFunc("/oauth/callback", cfg.Login.Callback)
	mux.HandleFunc("/oauth/refresh", cfg.Login.Refresh)
	mux.HandleFunc("/oauth/logout", cfg.Login.Logout)

	token := broker.HandleToken(cfg.Broker, cfg.APIKey, cfg.Logger)
	mux.Handle("/token", token)
	mux.Handle("/gate/token", token)

	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.BaseURL, cfg.Issuer, cfg.Scope))

	protected := auth.Middleware(cfg.Verifier, cfg.Logger, cfg.BaseURL)
	mux.Handle("GET /secure", protected(http.HandlerFunc(handleSecure)))
	mux.Handle("GET /me", protected(http.HandlerFunc(handleMe)))

	if err := proxy.Register(mux, cfg.Proxy, cfg.ProxyTransport, cfg.Metrics, cfg.Logger); err != nil {
		return nil, err
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.WebOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", broker.APIKeyHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "WWW-Authenticate"},
	})

	return withRequestLogging(cfg.Logger, c.Handler(mux)), nil
}

func handleReady(checker ReadinessChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.Ready(r.Context()); err != nil {
				logger.Warn("not ready", slog.String("error", err.Error()))
				httputil.RenderJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})

				return
			}
		}

		httputil.RenderJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleSecure echoes the verified claims.
func handleSecure(w http.ResponseWriter, r *http.Request) {
	httputil.RenderJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"claims": auth.Claims(r.Context()),
	})
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	httputil.RenderJSON(w, http.StatusOK, map[string]string{"userId": auth.RequestSubject(r.Context())})
}
