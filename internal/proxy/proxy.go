// Package proxy forwards a subset of the authorization server's public
// surface and its login UI through the gateway, hiding internal origins
// from clients.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	nethttputil "net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/metrics"
)

// maxDiscoveryBytes bounds a discovery document read for rewriting.
const maxDiscoveryBytes = 1 << 20

// DefaultTimeout bounds a forwarded request when Route.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// hopByHop lists headers that describe a single connection and must not
// be relayed (RFC 7230 Section 6.1). Host is carried by Request.Host and
// reset separately.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Route describes one forwarded path.
type Route struct {
	// Name labels the route in metrics and logs.
	Name string

	// Target is the upstream base URL. The (possibly stripped) request
	// path is joined to Target's path.
	Target *url.URL

	// StripPrefix is removed from the request path before forwarding.
	StripPrefix string

	// Discovery rewrites the JSON body as an OpenID discovery document.
	Discovery bool

	// Issuer replaces the issuer of a discovery document when set.
	Issuer string

	// Timeout bounds the whole upstream exchange, body included.
	// Zero means DefaultTimeout.
	Timeout time.Duration
}

// Forwarder relays requests for one Route. It never follows redirects:
// a 3xx from upstream is passed on with its Location rewritten.
type Forwarder struct {
	route    Route
	timeout  time.Duration
	proxy    *nethttputil.ReverseProxy
	rewriter *LocationRewriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder. A nil transport uses
// http.DefaultTransport; callers normally pass a throttled one.
func NewForwarder(route Route, transport http.RoundTripper, rewriter *LocationRewriter, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	if transport == nil {
		transport = http.DefaultTransport
	}

	f := &Forwarder{
		route:    route,
		timeout:  route.Timeout,
		rewriter: rewriter,
		metrics:  m,
		logger:   logger.With(slog.String("route", route.Name)),
	}

	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}

	f.proxy = &nethttputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      transport,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return f
}

// ServeHTTP implements http.Handler. An upstream that does not answer
// within the route timeout yields 502 upstream_unreachable.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	f.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (f *Forwarder) rewrite(pr *nethttputil.ProxyRequest) {
	if f.route.StripPrefix != "" {
		p := strings.TrimPrefix(pr.In.URL.Path, f.route.StripPrefix)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}

		pr.Out.URL.Path = p
		pr.Out.URL.RawPath = ""
	}

	pr.SetURL(f.route.Target)
	pr.SetXForwarded()
	stripHopByHop(pr.Out.Header)

	// Let the transport negotiate compression so the body can be read.
	if f.route.Discovery {
		pr.Out.Header.Del("Accept-Encoding")
	}
}

func (f *Forwarder) modifyResponse(res *http.Response) error {
	stripHopByHop(res.Header)
	res.Trailer = nil

	if loc := res.Header.Get("Location"); loc != "" {
		res.Header.Set("Location", f.rewriter.Rewrite(loc))
	}

	if f.route.Discovery && res.StatusCode == http.StatusOK {
		if err := f.rewriteDiscovery(res); err != nil {
			return err
		}
	}

	f.metrics.Proxy(f.route.Name, res.StatusCode)

	return nil
}

func (f *Forwarder) rewriteDiscovery(res *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(res.Body, maxDiscoveryBytes))
	_ = res.Body.Close()

	if err != nil {
		return fmt.Errorf("%w: reading discovery document: %w", gerrors.ErrUpstreamUnreachable, err)
	}

	out, err := f.rewriter.RewriteDiscovery(body, f.route.Issuer)
	if err != nil {
		return fmt.Errorf("%w: discovery document: %w", gerrors.ErrUpstreamResponse, err)
	}

	res.Body = io.NopCloser(bytes.NewReader(out))
	res.ContentLength = int64(len(out))
	res.Header.Set("Content-Length", strconv.Itoa(len(out)))
	res.Header.Set("Content-Type", "application/json")
	res.Header.Del("Content-Encoding")
	res.Header.Del("ETag")

	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, gerrors.ErrUpstreamResponse) && !errors.Is(err, gerrors.ErrUpstreamUnreachable) {
		err = fmt.Errorf("%w: %w", gerrors.ErrUpstreamUnreachable, err)
	}

	f.logger.Warn("proxy request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	f.metrics.Proxy(f.route.Name, http.StatusBadGateway)
	httputil.WriteError(w, f.logger, err)
}

// stripHopByHop removes hop-by-hop headers from h, including any header
// named in a Connection value.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopByHop {
		h.Del(name)
	}
}
