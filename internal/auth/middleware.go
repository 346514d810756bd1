package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const ctxClaims contextKey = iota

// TokenVerifier validates the value of an Authorization header.
type TokenVerifier interface {
	Verify(ctx context.Context, authorization string) (jwt.MapClaims, error)
}

// Claims returns the verified token claims from the context, or nil.
func Claims(ctx context.Context) jwt.MapClaims {
	v, _ := ctx.Value(ctxClaims).(jwt.MapClaims)
	return v
}

// RequestSubject returns the sub claim of the verified token, or "".
func RequestSubject(ctx context.Context) string {
	sub, _ := Claims(ctx).GetSubject()
	return sub
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that requires a verified bearer token.
// Failures get a 401 with the WWW-Authenticate header pointing to the
// protected resource metadata URL (RFC 9728 Section 5.1). When no
// Authorization header is sent, the access token cookie set by the login
// callback is accepted instead.
func Middleware(verifier TokenVerifier, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := serverURL + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
					authHeader = "Bearer " + c.Value
				}
			}

			claims, err := verifier.Verify(r.Context(), authHeader)
			if err != nil {
				logger.Debug("middleware: rejected request",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)

				if errors.Is(err, gerrors.ErrMissingBearerToken) {
					w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				} else {
					w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				}

				httputil.WriteError(w, logger, err)

				return
			}

			sub, _ := claims.GetSubject()
			logger.Debug("middleware: authenticated via bearer token",
				slog.String("sub", sub),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClaims, claims)))
		})
	}
}
