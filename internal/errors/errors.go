package errors

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	ErrMissingRefreshToken   = errors.New("missing refresh_token")
	ErrUnknownClient         = errors.New("unknown client")
	ErrInvalidAPIKey         = errors.New("invalid or missing API key")
	ErrScopesNotAllowed      = errors.New("requested scopes not allowed for client")
	ErrMissingBearerToken    = errors.New("missing bearer token")
	ErrInvalidToken          = errors.New("invalid token")
	ErrBadIssuer             = errors.New("token issuer mismatch")
	ErrExpired               = errors.New("token expired")
	ErrBadAudience           = errors.New("token audience mismatch")
)

// Server/transport errors.
var (
	ErrClientMisconfigured = errors.New("client misconfigured")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamResponse    = errors.New("unexpected upstream response")
)

// UpstreamError is returned when the authorization server answered with a
// non-2xx status. Body holds the upstream response as received so it can be
// relayed to the caller unchanged.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// AsUpstream reports whether err (or any error in its chain) is an
// UpstreamError and returns it.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}

	return nil, false
}
