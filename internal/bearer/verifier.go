package bearer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const bearerPrefix = "bearer "

// Config holds the expectations a token must meet.
type Config struct {
	Issuer          string
	Algorithm       string
	Audience        string
	EnforceAudience bool
}

// Verifier checks bearer access tokens. Safe for concurrent use.
type Verifier struct {
	keys    KeySource
	cfg     Config
	parser  *jwt.Parser
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewVerifier creates a Verifier that validates signatures against keys.
func NewVerifier(keys KeySource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "RS256"
	}

	// Registered claims are checked by hand in checkClaims so each
	// failure maps to its own error kind.
	return &Verifier{
		keys:    keys,
		cfg:     cfg,
		parser:  jwt.NewParser(jwt.WithoutClaimsValidation()),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Verify extracts the token from an Authorization header value and
// returns its claims if the token is genuine and current.
func (v *Verifier) Verify(ctx context.Context, authorization string) (jwt.MapClaims, error) {
	claims, err := v.verify(ctx, authorization)
	v.metrics.Bearer(outcome(err))

	return claims, err
}

func (v *Verifier) verify(ctx context.Context, authorization string) (jwt.MapClaims, error) {
	raw, ok := extractToken(authorization)
	if !ok {
		return nil, gerrors.ErrMissingBearerToken
	}

	claims, err := v.parse(ctx, raw, false)
	if err != nil {
		if !keyAttributable(err) {
			v.logger.Debug("rejecting token", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", gerrors.ErrInvalidToken, err)
		}

		// The signing key may have rotated since the set was cached.
		claims, err = v.parse(ctx, raw, true)
		if err != nil {
			v.logger.Debug("rejecting token after key refresh", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", gerrors.ErrInvalidToken, err)
		}
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

func (v *Verifier) parse(ctx context.Context, raw string, refresh bool) (jwt.MapClaims, error) {
	var (
		set jwk.Set
		err error
	)

	if refresh {
		set, err = v.keys.Refresh(ctx)
	} else {
		set, err = v.keys.Keys(ctx)
	}

	if err != nil {
		return nil, &keySetError{err: err}
	}

	claims := jwt.MapClaims{}

	_, err = v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); alg != v.cfg.Algorithm {
			return nil, fmt.Errorf("%w: %s", errWrongAlgorithm, alg)
		}

		return keyFor(set, t)
	})
	if err != nil {
		return nil, err
	}

	return claims, nil
}

func (v *Verifier) checkClaims(claims jwt.MapClaims) error {
	iss, _ := claims.GetIssuer()
	if iss != v.cfg.Issuer {
		return gerrors.ErrBadIssuer
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || v.now().After(exp.Time) {
		return gerrors.ErrExpired
	}

	if v.cfg.EnforceAudience {
		aud, _ := claims.GetAudience()
		if !slices.Contains(aud, v.cfg.Audience) {
			return gerrors.ErrBadAudience
		}
	}

	return nil
}

// keyFor selects the verification key for t. Tokens without a kid are
// tried against every key in the set.
func keyFor(set jwk.Set, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid != "" {
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %q", errUnknownKey, kid)
		}

		return exportKey(key)
	}

	var ks jwt.VerificationKeySet

	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}

		pub, err := exportKey(key)
		if err != nil {
			continue
		}

		ks.Keys = append(ks.Keys, pub)
	}

	if len(ks.Keys) == 0 {
		return nil, errUnknownKey
	}

	return ks, nil
}

func exportKey(key jwk.Key) (any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("exporting key: %w", err)
	}

	return raw, nil
}

var (
	errUnknownKey     = errors.New("no matching signing key")
	errWrongAlgorithm = errors.New("unexpected signing algorithm")
)

// keySetError marks a failure to obtain the key set at all.
type keySetError struct{ err error }

func (e *keySetError) Error() string { return "key set unavailable: " + e.err.Error() }
func (e *keySetError) Unwrap() error { return e.err }

// keyAttributable reports whether err could be cured by fresher keys.
func keyAttributable(err error) bool {
	var kse *keySetError
	if errors.As(err, &kse) {
		return true
	}

	if errors.Is(err, jwt.ErrTokenMalformed) || errors.Is(err, errWrongAlgorithm) {
		return false
	}

	return errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable)
}

func extractToken(header string) (string, bool) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}

	tok := strings.TrimSpace(header[len(bearerPrefix):])

	return tok, tok != ""
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gerrors.ErrMissingBearerToken):
		return "missing"
	case errors.Is(err, gerrors.ErrBadIssuer):
		return "bad_issuer"
	case errors.Is(err, gerrors.ErrExpired):
		return "expired"
	case errors.Is(err, gerrors.ErrBadAudience):
		return "bad_audience"
	default:
		return "invalid"
	}
}
