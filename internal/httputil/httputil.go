// Package httputil renders JSON responses and maps error kinds to HTTP
// status codes at the handler boundary.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
)

// ErrorBody is the JSON shape of every error the gateway produces itself.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type errorKind struct {
	err    error
	status int
	reason string
}

// kinds is checked in order; the first match wins.
var kinds = []errorKind{
	{gerrors.ErrInvalidOrExpiredState, http.StatusBadRequest, "invalid_or_expired_state"},
	{gerrors.ErrMissingRefreshToken, http.StatusBadRequest, "missing_refresh_token"},
	{gerrors.ErrUnknownClient, http.StatusBadRequest, "unknown_client"},
	{gerrors.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{gerrors.ErrInvalidAPIKey, http.StatusUnauthorized, "invalid_api_key"},
	{gerrors.ErrMissingBearerToken, http.StatusUnauthorized, "missing_bearer_token"},
	{gerrors.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{gerrors.ErrBadIssuer, http.StatusUnauthorized, "bad_issuer"},
	{gerrors.ErrExpired, http.StatusUnauthorized, "expired"},
	{gerrors.ErrBadAudience, http.StatusUnauthorized, "bad_audience"},
	{gerrors.ErrScopesNotAllowed, http.StatusForbidden, "scopes_not_allowed"},
	{gerrors.ErrClientMisconfigured, http.StatusInternalServerError, "client_misconfigured"},
	{gerrors.ErrUpstreamUnreachable, http.StatusBadGateway, "upstream_unreachable"},
	{gerrors.ErrUpstreamResponse, http.StatusBadGateway, "upstream_invalid_response"},
}

// Classify returns the status code and reason for err. The description
// is the sentinel's message rather than the full chain, which may carry
// upstream or token details.
func Classify(err error) (status int, reason, description string) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status, k.reason, k.err.Error()
		}
	}

	return http.StatusInternalServerError, "internal_error", "internal error"
}

// Reason returns only the reason string for err, for metrics labels.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}

	if ue, ok := gerrors.AsUpstream(err); ok {
		return "upstream_" + strconv.Itoa(ue.StatusCode)
	}

	_, reason, _ := Classify(err)

	return reason
}

// WriteError writes err to w. An upstream rejection is relayed with the
// upstream's status and body unchanged; everything else becomes an
// ErrorBody with the mapped status.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if ue, ok := gerrors.AsUpstream(err); ok {
		ctype := "application/json"
		if !json.Valid(ue.Body) {
			ctype = "text/plain; charset=utf-8"
		}

		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(ue.StatusCode)
		_, _ = w.Write(ue.Body)

		return
	}

	status, reason, description := Classify(err)

	if status >= http.StatusInternalServerError {
		logger.Warn("request failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Debug("request rejected",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}

	RenderJSON(w, status, ErrorBody{Error: reason, ErrorDescription: description})
}

// RenderJSON writes v as a JSON response with the given status.
func RenderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RenderToken writes a token endpoint payload verbatim. Token responses
// must not be cached (RFC 6749 Section 5.1).
func RenderToken(w http.ResponseWriter, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
