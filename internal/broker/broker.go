// Package broker mints machine-to-machine access tokens for trusted backend
// clients using the Client Credentials grant, clamping requested scopes to
// each client's allow-list.
package broker

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -destination mock_token_requester_test.go -package broker github.com/alexjbarnes/gate/internal/upstream TokenRequester

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/alexjbarnes/gate/internal/models"
	"github.com/alexjbarnes/gate/internal/registry"
	"github.com/alexjbarnes/gate/internal/upstream"
)

// Broker requests client_credentials tokens on behalf of registered clients.
type Broker struct {
	registry *registry.Registry
	tokens   upstream.TokenRequester
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Broker for the clients in reg.
func New(reg *registry.Registry, tokens upstream.TokenRequester, m *metrics.Metrics, logger *slog.Logger) *Broker {
	return &Broker{
		registry: reg,
		tokens:   tokens,
		metrics:  m,
		logger:   logger,
	}
}

// BrokerToken obtains a token for req.Client. The upstream payload is
// returned unchanged. Upstream rejections come back as
// *errors.UpstreamError so the caller can relay them.
func (b *Broker) BrokerToken(ctx context.Context, req models.BrokerRequest) (json.RawMessage, error) {
	entry, ok := b.registry.Lookup(req.Client)
	if !ok {
		// Unregistered names share the empty label; the handler rejects an
		// empty client before lookup, so no registry entry can collide.
		b.metrics.Broker("", httputil.Reason(gerrors.ErrUnknownClient))
		return nil, fmt.Errorf("%w: %q", gerrors.ErrUnknownClient, req.Client)
	}

	payload, err := b.mint(ctx, req, entry)
	b.metrics.Broker(req.Client, httputil.Reason(err))

	return payload, err
}

func (b *Broker) mint(ctx context.Context, req models.BrokerRequest, entry registry.Entry) (json.RawMessage, error) {
	if !entry.Usable() {
		b.logger.Error("registry entry missing credentials", slog.String("client", req.Client))
		return nil, fmt.Errorf("%w: %q", gerrors.ErrClientMisconfigured, req.Client)
	}

	requested := req.Scope
	if requested == "" {
		requested = entry.DefaultScope
	}

	scopes := ClampScopes(strings.Fields(requested), entry.AllowedScopes)
	if len(entry.AllowedScopes) > 0 && len(scopes) == 0 {
		b.logger.Info("broker request denied",
			slog.String("client", req.Client),
			slog.String("requested", requested),
		)

		return nil, fmt.Errorf("%w: %q", gerrors.ErrScopesNotAllowed, requested)
	}

	audience := req.Audience
	if audience == "" {
		audience = entry.Audience
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	if audience != "" {
		form.Set("audience", audience)
	}

	payload, err := b.tokens.Token(ctx, form, upstream.Credentials{
		ClientID:     entry.ID,
		ClientSecret: entry.Secret,
		Method:       upstream.AuthPost,
	})
	if err != nil {
		return nil, fmt.Errorf("brokering token for %q: %w", req.Client, err)
	}

	b.logger.Info("brokered token",
		slog.String("client", req.Client),
		slog.String("scope", form.Get("scope")),
		slog.String("audience", audience),
	)

	return payload, nil
}

// ClampScopes returns the requested scopes that appear in allowed, in
// request order. An empty allow-list imposes no restriction.
func ClampScopes(requested, allowed []string) []string {
	if len(allowed) == 0 {
		return requested
	}

	permitted := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		permitted[s] = true
	}

	out := make([]string, 0, len(requested))

	for _, s := range requested {
		if permitted[s] {
			out = append(out, s)
		}
	}

	return out
}
