package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/gate/internal/metrics"
)

// Config locates the upstreams and the gateway's public base.
type Config struct {
	HydraPublicURL string
	LoginUIURL     string
	BaseURL        string

	// Issuer is advertised in the rewritten discovery document.
	Issuer string

	// Timeout bounds each forwarded request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Rewriter returns the LocationRewriter for cfg: the upstream public base
// maps to BaseURL and the login UI maps to BaseURL/ui.
func (cfg Config) Rewriter() *LocationRewriter {
	return NewLocationRewriter(
		Origin{Internal: cfg.HydraPublicURL, Public: cfg.BaseURL},
		Origin{Internal: cfg.LoginUIURL, Public: cfg.BaseURL + "/ui"},
	)
}

// Register mounts the forwarded routes on mux.
func Register(mux *http.ServeMux, cfg Config, transport http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) error {
	hydra, err := url.Parse(cfg.HydraPublicURL)
	if err != nil {
		return fmt.Errorf("parsing upstream public URL: %w", err)
	}

	ui, err := url.Parse(cfg.LoginUIURL)
	if err != nil {
		return fmt.Errorf("parsing login UI URL: %w", err)
	}

	rw := cfg.Rewriter()

	routes := []struct {
		pattern string
		route   Route
	}{
		{"/oauth2/", Route{Name: "oauth2", Target: hydra}},
		{"/userinfo", Route{Name: "userinfo", Target: hydra}},
		{"/ui/", Route{Name: "ui", Target: ui, StripPrefix: "/ui"}},
		{"GET /.well-known/jwks.json", Route{Name: "jwks", Target: hydra}},
		{"GET /gate/.well-known/jwks.json", Route{Name: "jwks", Target: hydra, StripPrefix: "/gate"}},
		{"GET /.well-known/openid-configuration", Route{
			Name:      "discovery",
			Target:    hydra,
			Discovery: true,
			Issuer:    cfg.Issuer,
		}},
	}

	for _, r := range routes {
		r.route.Timeout = cfg.Timeout
		mux.Handle(r.pattern, NewForwarder(r.route, transport, rw, m, logger))
	}

	return nil
}
