// Package egress guards outbound HTTP requests against SSRF.
//
// A URL is only fetched when its scheme is http(s), its host is on the
// allowlist and every address the host resolves to is publicly routable. The
// same address check runs again inside the dialer at connect time, and every
// redirect hop is validated from scratch before it is followed.
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/toolgate/internal/capability"
)

const guardName = "egress"

// Rejection reasons. Each is wrapped in a *capability.Error.
var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrScheme           = errors.New("only http and https URLs are allowed")
	ErrNoHost           = errors.New("url has no host")
	ErrNotAllowed       = errors.New("host is not on the egress allowlist")
	ErrResolve          = errors.New("host did not resolve")
	ErrBlockedAddress   = errors.New("host resolves to a private or reserved address")
	ErrTooManyRedirects = errors.New("too many redirects")
)

// ErrMethod is returned by Fetch for an HTTP method outside the supported set.
var ErrMethod = errors.New("egress: unsupported method")

// Resolver looks up the addresses for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configures a Guard.
type Options struct {
	Allowlist    []string      // domains; subdomains match too
	Timeout      time.Duration // wall clock for the whole fetch, body included
	MaxBytes     int64         // response body ceiling; excess is dropped silently
	MaxRedirects int
	Resolver     Resolver // defaults to net.DefaultResolver
	Logger       *slog.Logger
}

// Guard validates and performs outbound requests.
type Guard struct {
	allowlist    []string
	timeout      time.Duration
	maxBytes     int64
	maxRedirects int
	resolver     Resolver
	logger       *slog.Logger

	blocked func(netip.Addr) bool
	dialer  *net.Dialer
	client  *http.Client
}

// Target is a URL that passed validation together with the addresses its host
// resolved to at that moment.
type Target struct {
	URL   *url.URL
	Addrs []netip.Addr
}

// Response is the result of a Fetch.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

var methods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// New builds a Guard. Zero-valued options fall back to conservative defaults.
func New(opts Options) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2_000_000
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	allow := make([]string, 0, len(opts.Allowlist))
	for _, d := range opts.Allowlist {
		if d = normalizeHost(d); d != "" {
			allow = append(allow, d)
		}
	}

	g := &Guard{
		allowlist:    allow,
		timeout:      opts.Timeout,
		maxBytes:     opts.MaxBytes,
		maxRedirects: opts.MaxRedirects,
		resolver:     opts.Resolver,
		logger:       opts.Logger,
		blocked:      isBlocked,
		dialer:       &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second},
	}

	transport := &http.Transport{
		Proxy:                 nil, // a proxy would bypass the dial-time check
		DialContext:           g.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
	}
	// Spans only: trace context stays out of requests to third-party hosts.
	g.client = &http.Client{
		Transport:     otelhttp.NewTransport(transport, otelhttp.WithPropagators(propagation.NewCompositeTextMapPropagator())),
		CheckRedirect: g.checkRedirect,
	}
	return g
}

// Allowlist returns the normalized allowlist.
func (g *Guard) Allowlist() []string {
	return append([]string(nil), g.allowlist...)
}

// Validate checks raw against the egress policy. Each failed step returns a
// distinct reason: scheme, host presence, allowlist, resolution and address
// class, in that order.
func (g *Guard) Validate(ctx context.Context, raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, capability.Deny(guardName, "invalid_url", ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, capability.Deny(guardName, "scheme", ErrScheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return Target{}, capability.Deny(guardName, "no_host", ErrNoHost)
	}
	if !g.allowed(host) {
		return Target{}, capability.Deny(guardName, "not_allowlisted", fmt.Errorf("%w: %s", ErrNotAllowed, host))
	}
	addrs, err := g.checkedLookup(ctx, host)
	if err != nil {
		return Target{}, err
	}
	return Target{URL: u, Addrs: addrs}, nil
}

// Fetch performs the request described by t. The body is read up to the
// configured ceiling and decoded as UTF-8, with invalid sequences replaced.
func (g *Guard) Fetch(ctx context.Context, t Target, method string, headers map[string]string, body string) (Response, error) {
	if t.URL == nil {
		return Response{}, capability.Deny(guardName, "invalid_url", ErrInvalidURL)
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !methods[method] {
		return Response{}, fmt.Errorf("%w: %s", ErrMethod, method)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// The policy may have been checked long before this call.
	if _, err := g.Validate(ctx, t.URL.String()); err != nil {
		return Response{}, err
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL.String(), reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("egress: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ce, ok := capability.As(err); ok {
			g.logger.Warn("egress denied", "host", t.URL.Host, "reason", ce.Reason)
			return Response{}, ce
		}
		return Response{}, fmt.Errorf("egress: %s %s: %w", method, t.URL.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes))
	if err != nil {
		return Response{}, fmt.Errorf("egress: read body: %w", err)
	}

	out := Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    strings.ToValidUTF8(string(data), "\uFFFD"),
	}
	g.logger.Info("egress fetch",
		"method", method,
		"host", resp.Request.URL.Host,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// checkRedirect re-runs the full policy on every hop.
func (g *Guard) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > g.maxRedirects {
		return capability.Deny(guardName, "redirects", ErrTooManyRedirects)
	}
	if _, err := g.Validate(req.Context(), req.URL.String()); err != nil {
		return err
	}
	return nil
}

// dialContext resolves the host again at connect time, refuses if any address
// is blocked and dials the checked address directly.
func (g *Guard) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := g.checkedLookup(ctx, normalizeHost(host))
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// checkedLookup resolves host (or parses it as a literal) and fails closed if
// resolution fails, returns nothing, or yields any blocked address.
func (g *Guard) checkedLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		addrs, err = g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil || len(addrs) == 0 {
			return nil, capability.Deny(guardName, "dns", fmt.Errorf("%w: %s", ErrResolve, host))
		}
	}
	for _, a := range addrs {
		if g.blocked(a) {
			return nil, capability.Deny(guardName, "blocked_address", fmt.Errorf("%w: %s", ErrBlockedAddress, host))
		}
	}
	return addrs, nil
}

func (g *Guard) allowed(host string) bool {
	for _, d := range g.allowlist {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}
	return h
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
