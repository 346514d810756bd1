package e2e_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/gate/internal/auth"
	"github.com/alexjbarnes/gate/internal/bearer"
	"github.com/alexjbarnes/gate/internal/broker"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/alexjbarnes/gate/internal/proxy"
	"github.com/alexjbarnes/gate/internal/registry"
	"github.com/alexjbarnes/gate/internal/server"
	"github.com/alexjbarnes/gate/internal/state"
	"github.com/alexjbarnes/gate/internal/upstream"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

const (
	browserClientID     = "gate-client"
	browserClientSecret = "gate-client-secret"
	redirectURI         = "http://127.0.0.1:19876/callback"
	testAPIKey          = "e2e-api-key"
	testSubject         = "user-1"
	billingClientID     = "billing-id"
	billingSecret       = "billing-secret"
)

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return signingKey{kid: kid, priv: priv}
}

// fakeAuthServer stands in for the upstream authorization server: it
// issues RS256 tokens, serves its JWKS and discovery document, and
// routes the browser through a separate login UI.
type fakeAuthServer struct {
	*httptest.Server

	loginUIURL string

	mu       sync.Mutex
	signing  signingKey
	jwks     []byte
	pending  map[string]url.Values
	codes    map[string]url.Values
	refreshs map[string]string
	clients  map[string]string

	jwksFetches atomic.Int32
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()

	key := newSigningKey(t, "key-1")

	fa := &fakeAuthServer{
		signing:  key,
		jwks:     jwksDocument(t, key),
		pending:  make(map[string]url.Values),
		codes:    make(map[string]url.Values),
		refreshs: make(map[string]string),
		clients: map[string]string{
			browserClientID: browserClientSecret,
			billingClientID: billingSecret,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /.well-known/jwks.json", fa.handleJWKS)
	mux.HandleFunc("GET /.well-known/openid-configuration", fa.handleDiscovery)
	mux.HandleFunc("GET /oauth2/auth", fa.handleAuthorize)
	mux.HandleFunc("POST /oauth2/token", fa.handleToken)

	fa.Server = httptest.NewServer(mux)
	t.Cleanup(fa.Close)

	return fa
}

func (fa *fakeAuthServer) issuer() string {
	return fa.URL + "/"
}

// rotate makes next the signing key and publishes only next.
func (fa *fakeAuthServer) rotate(t *testing.T, next signingKey) {
	t.Helper()

	body := jwksDocument(t, next)

	fa.mu.Lock()
	defer fa.mu.Unlock()

	fa.signing = next
	fa.jwks = body
}

func jwksDocument(t *testing.T, keys ...signingKey) []byte {
	t.Helper()

	set := jwk.NewSet()

	for _, k := range keys {
		key, err := jwk.Import(&k.priv.PublicKey)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, k.kid))
		require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(t, set.AddKey(key))
	}

	body, err := json.Marshal(set)
	require.NoError(t, err)

	return body
}

func (fa *fakeAuthServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	fa.jwksFetches.Add(1)

	fa.mu.Lock()
	body := fa.jwks
	fa.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (fa *fakeAuthServer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           fa.issuer(),
		"authorization_endpoint":           fa.URL + "/oauth2/auth",
		"token_endpoint":                   fa.URL + "/oauth2/token",
		"jwks_uri":                         fa.URL + "/.well-known/jwks.json",
		"userinfo_endpoint":                fa.URL + "/userinfo",
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"S256"},
	})
}

// handleAuthorize sends the browser to the login UI first, then back to
// the client's redirect URI with a code once the login UI returns a
// login_verifier.
func (fa *fakeAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fa.mu.Lock()
	defer fa.mu.Unlock()

	if v := q.Get("login_verifier"); v != "" {
		orig, ok := fa.pending[v]
		if !ok {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "access_denied"})
			return
		}

		delete(fa.pending, v)

		code := randomString()
		fa.codes[code] = orig

		target := orig.Get("redirect_uri") + "?" + url.Values{
			"code":  {code},
			"state": {orig.Get("state")},
		}.Encode()
		http.Redirect(w, r, target, http.StatusFound)

		return
	}

	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	challenge := randomString()
	fa.pending[challenge] = q
	http.Redirect(w, r, fa.loginUIURL+"/login?login_challenge="+challenge, http.StatusFound)
}

func (fa *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	if want, ok := fa.clients[clientID]; !ok || want != secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		q, ok := fa.codes[r.PostForm.Get("code")]
		delete(fa.codes, r.PostForm.Get("code"))

		if !ok ||
			q.Get("redirect_uri") != r.PostForm.Get("redirect_uri") ||
			q.Get("client_id") != clientID ||
			pkceChallenge(r.PostForm.Get("code_verifier")) != q.Get("code_challenge") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		fa.issue(w, testSubject, strings.Fields(q.Get("scope")), true)
	case "refresh_token":
		sub, ok := fa.refreshs[r.PostForm.Get("refresh_token")]
		delete(fa.refreshs, r.PostForm.Get("refresh_token"))

		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		fa.issue(w, sub, []string{"openid", "offline"}, true)
	case "client_credentials":
		fa.issue(w, clientID, strings.Fields(r.PostForm.Get("scope")), false)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

// issue writes a token response. Callers hold fa.mu.
func (fa *fakeAuthServer) issue(w http.ResponseWriter, sub string, scopes []string, withRefresh bool) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": fa.issuer(),
		"sub": sub,
		"aud": []string{"gate-api"},
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"scp": scopes,
	})
	tok.Header["kid"] = fa.signing.kid

	signed, err := tok.SignedString(fa.signing.priv)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	resp := map[string]any{
		"access_token": signed,
		"token_type":   "bearer",
		"expires_in":   3600,
		"scope":        strings.Join(scopes, " "),
	}

	if withRefresh {
		rt := randomString()
		fa.refreshs[rt] = sub
		resp["refresh_token"] = rt
	}

	writeJSON(w, http.StatusOK, resp)
}

// mintWith signs a token for sub with key, bypassing the server's
// current signing key.
func (fa *fakeAuthServer) mintWith(t *testing.T, key signingKey, sub string) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": fa.issuer(),
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = key.kid

	s, err := tok.SignedString(key.priv)
	require.NoError(t, err)

	return s
}

// newLoginUI serves /login by approving immediately and sending the
// browser back to the authorization server's internal address.
func newLoginUI(t *testing.T, authServerURL func() string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			http.NotFound(w, r)
			return
		}

		challenge := r.URL.Query().Get("login_challenge")
		http.Redirect(w, r, authServerURL()+"/oauth2/auth?login_verifier="+url.QueryEscape(challenge), http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	return srv
}

// harness holds the full e2e stack: the gateway in front of a fake
// authorization server and login UI.
type harness struct {
	URL     string
	Auth    *fakeAuthServer
	Metrics *metrics.Metrics
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	fa := newFakeAuthServer(t)
	ui := newLoginUI(t, func() string { return fa.URL })
	fa.loginUIURL = ui.URL

	// Use NewUnstartedServer so the gateway's public URL is known before
	// the handler is built.
	ts := httptest.NewUnstartedServer(nil)
	gateURL := "http://" + ts.Listener.Addr().String()

	m := metrics.New()
	throttle := upstream.NewThrottle(upstream.DefaultMaxConcurrency)
	hc := upstream.NewHTTPClient(5*time.Second, throttle)

	states := state.NewMemory(state.DefaultTTL)
	t.Cleanup(func() { _ = states.Close() })

	tokens := upstream.NewClient(fa.URL, hc, logger).WithMetrics(m)

	orch := auth.NewOrchestrator(auth.ClientConfig{
		ClientID:     browserClientID,
		ClientSecret: browserClientSecret,
		RedirectURI:  redirectURI,
		Scope:        "openid offline",
		AuthURL:      gateURL + "/oauth2/auth",
	}, states, tokens, m, logger)

	reg := registry.New(map[string]registry.Entry{
		"billing": {
			ID:            billingClientID,
			Secret:        billingSecret,
			AllowedScopes: []string{"read:invoices", "write:invoices"},
			DefaultScope:  "read:invoices",
		},
	})

	keys := bearer.NewKeyCache(fa.URL+"/.well-known/jwks.json", hc, m, logger)
	verifier := bearer.NewVerifier(keys, bearer.Config{Issuer: fa.issuer()}, m, logger)

	handler, err := server.NewMux(server.MuxConfig{
		Logger:     logger,
		Metrics:    m,
		BaseURL:    gateURL,
		Issuer:     fa.issuer(),
		Scope:      "openid offline",
		WebOrigins: []string{"http://localhost:3000"},
		Login:      auth.NewHandlers(orch, auth.HandlerConfig{}, logger),
		Broker:     broker.New(reg, tokens, m, logger),
		APIKey:     broker.NewAPIKeyGuard(testAPIKey),
		Verifier:   verifier,
		Ready:      upstream.NewAdmin(fa.URL, hc, logger),
		Proxy: proxy.Config{
			HydraPublicURL: fa.URL,
			LoginUIURL:     ui.URL,
			BaseURL:        gateURL,
			Issuer:         fa.issuer(),
		},
		ProxyTransport: throttle.Wrap(nil),
	})
	require.NoError(t, err)

	ts.Config.Handler = handler
	ts.Start()
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:     gateURL,
		Auth:    fa,
		Metrics: m,
		Client:  client,
	}
}

// tokenResponse is the JSON token set relayed by the gateway.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (h *harness) get(t *testing.T, rawURL string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (h *harness) post(t *testing.T, path, contentType, body string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (h *harness) withBearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// login walks the browser flow through the gateway and returns the code
// and state delivered to the redirect URI. Every hop before the final
// redirect must stay on the gateway's public origin.
func (h *harness) login(t *testing.T) (code, st string) {
	t.Helper()

	next := h.URL + "/oauth/login"

	for range 5 {
		resp := h.get(t, next, nil)
		require.Equal(t, http.StatusFound, resp.StatusCode, "GET %s", next)

		next = resp.Header.Get("Location")
		require.NotEmpty(t, next)

		if strings.HasPrefix(next, redirectURI) {
			u, err := url.Parse(next)
			require.NoError(t, err)

			return u.Query().Get("code"), u.Query().Get("state")
		}

		require.True(t, strings.HasPrefix(next, h.URL+"/"), "redirect leaked an internal origin: %s", next)
	}

	t.Fatal("login flow did not reach the redirect URI")

	return "", ""
}

// callback redeems code and state at the gateway and decodes the token set.
func (h *harness) callback(t *testing.T, code, st string) tokenResponse {
	t.Helper()

	resp := h.get(t, h.URL+"/oauth/callback?"+url.Values{"code": {code}, "state": {st}}.Encode(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	return decodeToken(t, resp)
}

// brokerToken requests an M2M token for the billing client.
func (h *harness) brokerToken(t *testing.T, scope string) *http.Response {
	t.Helper()

	body, err := json.Marshal(map[string]string{"client": "billing", "scope": scope})
	require.NoError(t, err)

	return h.post(t, "/token", "application/json", string(body), http.Header{broker.APIKeyHeader: {testAPIKey}})
}

func decodeToken(t *testing.T, resp *http.Response) tokenResponse {
	t.Helper()

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.AccessToken)

	return tr
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

// unverifiedClaims decodes a JWT payload without checking the signature.
func unverifiedClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)

	return claims
}

func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
