package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/gate/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// DefaultReadyWait bounds how long WaitReady polls before giving up.
const DefaultReadyWait = 6 * time.Minute

// WaitReady polls Ready with exponential backoff until it succeeds,
// maxWait elapses or ctx is done.
func (a *Admin) WaitReady(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = DefaultReadyWait
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	err := backoff.RetryNotify(
		func() error { return a.Ready(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			a.logger.Info("waiting for authorization server",
				slog.String("error", err.Error()),
				slog.Duration("next", next),
			)
		},
	)
	if err != nil {
		return fmt.Errorf("authorization server not ready: %w", err)
	}

	a.logger.Info("authorization server is ready")

	return nil
}

// BrowserClient describes the OAuth client used for the browser login.
// A client without a secret is registered as public.
func BrowserClient(clientID, clientSecret, redirectURI, scope string) models.OAuthClient {
	c := models.OAuthClient{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes: []string{"code"},
		RedirectURIs:  []string{redirectURI},
		Scope:         scope,

		TokenEndpointAuthMethod: "client_secret_basic",
	}

	if clientSecret == "" {
		c.GrantTypes = []string{"authorization_code", "refresh_token"}
		c.TokenEndpointAuthMethod = "none"
	}

	return c
}

// Seed replaces any existing client with the same id by client.
func (a *Admin) Seed(ctx context.Context, client models.OAuthClient) (*models.OAuthClient, error) {
	if err := a.DeleteClient(ctx, client.ClientID); err != nil {
		return nil, fmt.Errorf("deleting client %s: %w", client.ClientID, err)
	}

	created, err := a.CreateClient(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating client %s: %w", client.ClientID, err)
	}

	return created, nil
}
