// Package auth drives the browser Authorization Code + PKCE flow against
// the upstream authorization server and guards protected routes with
// bearer token verification.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/alexjbarnes/gate/internal/models"
	"github.com/alexjbarnes/gate/internal/state"
	"github.com/alexjbarnes/gate/internal/upstream"
	"golang.org/x/oauth2"
)

// stateBytes is the entropy of the opaque state parameter.
const stateBytes = 16

// ClientConfig describes the OAuth client the gateway logs users in as.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	Audience     string

	// AuthURL is the authorization endpoint as browsers should see it,
	// normally the gateway's own /oauth2/auth which the proxy forwards.
	AuthURL string
}

// Orchestrator runs the three legs of the browser login: building the
// authorization URL, redeeming the callback, and refreshing tokens.
type Orchestrator struct {
	cfg     ClientConfig
	oauth   *oauth2.Config
	states  state.Store
	tokens  upstream.TokenRequester
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator creates an Orchestrator. Flow state is kept in states
// and token requests go through tokens.
func NewOrchestrator(cfg ClientConfig, states state.Store, tokens upstream.TokenRequester, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      strings.Fields(cfg.Scope),
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
		},
		states:  states,
		tokens:  tokens,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// InitiateLogin creates and stores a fresh verifier and state pair and
// returns the authorization URL the browser should be redirected to.
func (o *Orchestrator) InitiateLogin(ctx context.Context) (string, error) {
	authURL, err := o.initiateLogin(ctx)
	o.metrics.LoginFlow("login", httputil.Reason(err))

	return authURL, err
}

func (o *Orchestrator) initiateLogin(ctx context.Context) (string, error) {
	verifier := oauth2.GenerateVerifier()

	stateToken, err := newStateToken()
	if err != nil {
		return "", err
	}

	fs := &models.FlowState{
		StateToken:   stateToken,
		CodeVerifier: verifier,
		CreatedAt:    o.now(),
	}

	if err := o.states.Save(ctx, fs); err != nil {
		return "", fmt.Errorf("saving login state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if o.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", o.cfg.Audience))
	}

	o.logger.Debug("login initiated")

	return o.oauth.AuthCodeURL(stateToken, opts...), nil
}

// HandleCallback redeems an authorization code. The state is consumed
// before the exchange and is never restored, so a failed exchange cannot
// be retried with the same state. Unknown, expired and already-used
// states are indistinguishable to the caller.
func (o *Orchestrator) HandleCallback(ctx context.Context, code, stateToken string) (json.RawMessage, error) {
	payload, err := o.handleCallback(ctx, code, stateToken)
	o.metrics.LoginFlow("callback", httputil.Reason(err))

	return payload, err
}

func (o *Orchestrator) handleCallback(ctx context.Context, code, stateToken string) (json.RawMessage, error) {
	if stateToken == "" {
		return nil, gerrors.ErrInvalidOrExpiredState
	}

	fs, err := o.states.Pop(ctx, stateToken)
	if errors.Is(err, state.ErrNotFound) {
		o.logger.Info("callback with unknown or expired state")
		return nil, gerrors.ErrInvalidOrExpiredState
	}

	if err != nil {
		return nil, fmt.Errorf("loading login state: %w", err)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {o.cfg.RedirectURI},
		"code_verifier": {fs.CodeVerifier},
	}

	payload, err := o.tokens.Token(ctx, form, o.credentials())
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	o.logger.Info("login completed")

	return payload, nil
}

// Refresh trades a refresh token for a new token set.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken string) (json.RawMessage, error) {
	payload, err := o.refresh(ctx, refreshToken)
	o.metrics.LoginFlow("refresh", httputil.Reason(err))

	return payload, err
}

func (o *Orchestrator) refresh(ctx context.Context, refreshToken string) (json.RawMessage, error) {
	if refreshToken == "" {
		return nil, gerrors.ErrMissingRefreshToken
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	payload, err := o.tokens.Token(ctx, form, o.credentials())
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return payload, nil
}

// credentials authenticates with HTTP Basic when the client is
// confidential, and sends only client_id otherwise.
func (o *Orchestrator) credentials() upstream.Credentials {
	if o.cfg.ClientSecret == "" {
		return upstream.Credentials{ClientID: o.cfg.ClientID, Method: upstream.AuthNone}
	}

	return upstream.Credentials{
		ClientID:     o.cfg.ClientID,
		ClientSecret: o.cfg.ClientSecret,
		Method:       upstream.AuthBasic,
	}
}

func newStateToken() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
