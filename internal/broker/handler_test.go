package broker

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHydra answers the token endpoint with a fixed status and body and
// records the last form it received.
func fakeHydra(t *testing.T, status int, body string) (*httptest.Server, *atomic.Pointer[url.Values]) {
	t.Helper()

	var last atomic.Pointer[url.Values]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := r.PostForm
		last.Store(&form)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, &last
}

func newTestHandler(t *testing.T, hydraURL, apiKey string) http.Handler {
	t.Helper()

	client := upstream.NewClient(hydraURL, nil, testLogger())
	b := New(testRegistry(), client, nil, testLogger())

	return HandleToken(b, NewAPIKeyGuard(apiKey), testLogger())
}

func postJSON(t *testing.T, h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	for k, v := range header {
		req.Header[k] = v
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func errorReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body httputil.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body.Error
}

func TestHandleToken_Success(t *testing.T) {
	const payload = `{"access_token":"m2m","token_type":"bearer","expires_in":3599,"scope":"read:reports"}`

	srv, last := fakeHydra(t, http.StatusOK, payload)
	h := newTestHandler(t, srv.URL, "")

	rec := postJSON(t, h, `{"client":"  analytics ","scope":"read:reports admin"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, payload, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	form := *last.Load()
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
	assert.Equal(t, "analytics-id", form.Get("client_id"))
	assert.Equal(t, "analytics-secret", form.Get("client_secret"))
	assert.Equal(t, "read:reports", form.Get("scope"))
	assert.Equal(t, "reports-api", form.Get("audience"))
}

func TestHandleToken_FormEncoded(t *testing.T) {
	srv, last := fakeHydra(t, http.StatusOK, `{"access_token":"m2m"}`)
	h := newTestHandler(t, srv.URL, "")

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("client=open&scope=a+b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a b", (*last.Load()).Get("scope"))
}

func TestHandleToken_Errors(t *testing.T) {
	srv, _ := fakeHydra(t, http.StatusOK, `{}`)
	h := newTestHandler(t, srv.URL, "")

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{"unknown client", `{"client":"nobody"}`, http.StatusBadRequest, "unknown_client"},
		{"empty client", `{"client":"   "}`, http.StatusBadRequest, "invalid_request"},
		{"bad json", `{"client":`, http.StatusBadRequest, "invalid_request"},
		{"scopes not allowed", `{"client":"analytics","scope":"admin"}`, http.StatusForbidden, "scopes_not_allowed"},
		{"misconfigured", `{"client":"broken"}`, http.StatusInternalServerError, "client_misconfigured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reason, errorReason(t, rec))
			assert.NotContains(t, rec.Body.String(), "secret")
		})
	}
}

func TestHandleToken_UpstreamRejectionRelayed(t *testing.T) {
	const body = `{"error":"invalid_client","error_description":"Client authentication failed"}`

	srv, _ := fakeHydra(t, http.StatusUnauthorized, body)
	h := newTestHandler(t, srv.URL, "")

	rec := postJSON(t, h, `{"client":"open"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())
}

func TestHandleToken_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	h := newTestHandler(t, addr, "")

	rec := postJSON(t, h, `{"client":"open"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_unreachable", errorReason(t, rec))
	assert.NotContains(t, rec.Body.String(), "open-secret")
}

func TestHandleToken_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, "http://unused", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleToken_APIKey(t *testing.T) {
	srv, _ := fakeHydra(t, http.StatusOK, `{"access_token":"m2m"}`)

	hash, err := HashAPIKey("k3y")
	require.NoError(t, err)

	for name, configured := range map[string]string{"plain": "k3y", "bcrypt": hash} {
		t.Run(name, func(t *testing.T) {
			h := newTestHandler(t, srv.URL, configured)

			rec := postJSON(t, h, `{"client":"open"}`, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "invalid_api_key", errorReason(t, rec))

			rec = postJSON(t, h, `{"client":"open"}`, http.Header{"X-Api-Key": {"wrong"}})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			rec = postJSON(t, h, `{"client":"open"}`, http.Header{"X-Api-Key": {"k3y"}})
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

// --- APIKeyGuard ---

func TestAPIKeyGuard_DisabledWhenEmpty(t *testing.T) {
	g := NewAPIKeyGuard("")
	assert.False(t, g.Enabled())
	assert.NoError(t, g.Check(""))
	assert.NoError(t, g.Check("anything"))
}

func TestAPIKeyGuard_PlainKeyThatLooksLikeHashPrefix(t *testing.T) {
	g := NewAPIKeyGuard("$2short")
	assert.NoError(t, g.Check("$2short"))
	assert.Error(t, g.Check("$2shorter"))
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k3y")
	require.NoError(t, err)
	assert.True(t, isBcryptHash(hash))
	assert.NotContains(t, hash, "k3y")

	_, err = HashAPIKey("")
	assert.Error(t, err)
}
