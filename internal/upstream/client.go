// Package upstream talks to the OAuth2/OIDC authorization server: the
// public token endpoint and the admin API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout bounds every outbound call when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	// maxResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxResponseBytes = 1024 * 1024

	tokenPath = "/oauth2/token"
)

// AuthMethod selects how a client authenticates to the token endpoint.
type AuthMethod int

const (
	// AuthNone sends only client_id in the form (public clients).
	AuthNone AuthMethod = iota
	// AuthBasic sends credentials in an HTTP Basic Authorization header.
	AuthBasic
	// AuthPost sends client_id and client_secret as form fields.
	AuthPost
)

// Credentials identify the OAuth client making a token request.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Method       AuthMethod
}

// String redacts the secret so Credentials are safe to log.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{ClientID: %q, ClientSecret: <redacted>}", c.ClientID)
}

// TokenRequester posts a grant to the token endpoint and returns the
// response payload verbatim.
type TokenRequester interface {
	Token(ctx context.Context, form url.Values, creds Credentials) (json.RawMessage, error)
}

// Client calls the upstream public token endpoint.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHTTPClient builds the http.Client used for all upstream calls:
// bounded by timeout, throttled per host, and never following redirects
// so that a 3xx is surfaced to the caller as-is.
func NewHTTPClient(timeout time.Duration, throttle *Throttle) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if throttle == nil {
		throttle = NewThrottle(DefaultMaxConcurrency)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: throttle.Wrap(nil),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewClient creates a token endpoint client for the server at publicURL.
// If httpClient is nil, NewHTTPClient defaults are used.
func NewClient(publicURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout, nil)
	}

	return &Client{
		httpClient: httpClient,
		tokenURL:   strings.TrimRight(publicURL, "/") + tokenPath,
		logger:     logger,
	}
}

// WithMetrics records token endpoint latency in m.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// Token posts form to the token endpoint, authenticating as creds.
// A non-2xx answer is returned as *errors.UpstreamError carrying the
// upstream status and body. Transport failures, including timeouts and
// caller cancellation, wrap errors.ErrUpstreamUnreachable.
func (c *Client) Token(ctx context.Context, form url.Values, creds Credentials) (json.RawMessage, error) {
	body := url.Values{}
	for k, v := range form {
		body[k] = v
	}

	switch creds.Method {
	case AuthPost:
		body.Set("client_id", creds.ClientID)
		body.Set("client_secret", creds.ClientSecret)
	case AuthBasic, AuthNone:
		body.Set("client_id", creds.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if creds.Method == AuthBasic {
		// RFC 6749 Section 2.3.1: credentials are form-encoded before
		// being placed in the Basic header.
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
	}

	grant := form.Get("grant_type")
	start := time.Now()

	respBody, status, err := c.do(req)
	c.metrics.Upstream(grant, start)

	if err != nil {
		c.logger.Warn("token endpoint unreachable",
			slog.String("grant_type", grant),
			slog.String("client_id", creds.ClientID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	if status < 200 || status > 299 {
		c.logger.Info("token endpoint rejected request",
			slog.String("grant_type", grant),
			slog.String("client_id", creds.ClientID),
			slog.Int("status", status),
			slog.String("error", gjson.GetBytes(respBody, "error").String()),
			slog.String("body", sanitizeResponseBody(respBody)),
		)

		return nil, &gerrors.UpstreamError{StatusCode: status, Body: respBody}
	}

	if !json.Valid(respBody) {
		return nil, fmt.Errorf("%w: token endpoint returned non-JSON body: %s",
			gerrors.ErrUpstreamResponse, sanitizeResponseBody(respBody))
	}

	c.logger.Debug("token endpoint issued token",
		slog.String("grant_type", grant),
		slog.String("client_id", creds.ClientID),
	)

	return json.RawMessage(respBody), nil
}

// do sends req and reads at most maxResponseBytes of the response.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	return doLimited(c.httpClient, req)
}

func doLimited(hc *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %w", gerrors.ErrUpstreamUnreachable, req.Method, req.URL.Path, unwrapURLError(err))
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. Token responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response from %s: %w", gerrors.ErrUpstreamUnreachable, req.URL.Path, err)
	}

	return respBody, resp.StatusCode, nil
}

// unwrapURLError strips the *url.Error wrapper, whose message repeats the
// full request URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}

	return err
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in logs. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
