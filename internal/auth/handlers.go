package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/tidwall/gjson"
)

// Cookie names used when tokens are handed to the browser as cookies.
const (
	AccessTokenCookie  = "gate_access_token"
	RefreshTokenCookie = "gate_refresh_token"
)

// HandlerConfig controls how the login handlers deliver tokens.
type HandlerConfig struct {
	// PostLoginRedirect switches the callback to cookie mode: tokens are
	// set as HttpOnly cookies and the browser is redirected here. When
	// empty the token JSON is returned.
	PostLoginRedirect string

	// SecureCookies sets the Secure attribute. Off only for local
	// development over plain HTTP.
	SecureCookies bool
}

// Handlers exposes the Orchestrator over HTTP.
type Handlers struct {
	orch   *Orchestrator
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandlers creates the login, callback, refresh and logout handlers.
func NewHandlers(orch *Orchestrator, cfg HandlerConfig, logger *slog.Logger) *Handlers {
	return &Handlers{orch: orch, cfg: cfg, logger: logger}
}

func (h *Handlers) cookieMode() bool {
	return h.cfg.PostLoginRedirect != ""
}

// Login handles GET /oauth/login by redirecting to the authorization
// endpoint.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authURL, err := h.orch.InitiateLogin(r.Context())
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /oauth/callback?code=...&state=...
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	// The authorization server reports a denied or failed login on the
	// redirect itself. Discard the state so it cannot be reused.
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		if st := q.Get("state"); st != "" {
			_, _ = h.orch.states.Pop(r.Context(), st)
		}

		h.logger.Info("authorization server returned error",
			slog.String("error", upstreamErr),
			slog.String("description", q.Get("error_description")),
		)
		httputil.RenderJSON(w, http.StatusBadRequest, httputil.ErrorBody{
			Error:            upstreamErr,
			ErrorDescription: q.Get("error_description"),
		})

		return
	}

	code := q.Get("code")
	if code == "" {
		httputil.WriteError(w, h.logger, gerrors.ErrInvalidRequest)
		return
	}

	payload, err := h.orch.HandleCallback(r.Context(), code, q.Get("state"))
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	if !h.cookieMode() {
		httputil.RenderToken(w, payload)
		return
	}

	h.setTokenCookies(w, payload)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.cfg.PostLoginRedirect, http.StatusFound)
}

// Refresh handles POST /oauth/refresh. The refresh token is read from the
// refresh_token form field, falling back to the refresh cookie in cookie
// mode. Cookies are reissued when the token came from one.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	refreshToken := r.FormValue("refresh_token")
	fromCookie := false

	if refreshToken == "" && h.cookieMode() {
		if c, err := r.Cookie(RefreshTokenCookie); err == nil {
			refreshToken = c.Value
			fromCookie = true
		}
	}

	payload, err := h.orch.Refresh(r.Context(), refreshToken)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	if fromCookie {
		h.setTokenCookies(w, payload)
	}

	httputil.RenderToken(w, payload)
}

// Logout handles POST /oauth/logout by clearing the token cookies.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		http.SetCookie(w, h.cookie(name, "", -1))
	}

	httputil.RenderJSON(w, http.StatusOK, map[string]string{"status": "signedOut"})
}

func (h *Handlers) setTokenCookies(w http.ResponseWriter, payload json.RawMessage) {
	res := gjson.ParseBytes(payload)

	if at := res.Get("access_token").String(); at != "" {
		http.SetCookie(w, h.cookie(AccessTokenCookie, at, int(res.Get("expires_in").Int())))
	}

	if rt := res.Get("refresh_token").String(); rt != "" {
		http.SetCookie(w, h.cookie(RefreshTokenCookie, rt, 0))
	}
}

// cookie builds a token cookie. maxAge 0 means a session cookie and a
// negative value deletes it.
func (h *Handlers) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}
