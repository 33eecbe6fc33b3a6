package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/toolgate/internal/capability"
)

// fakeResolver answers from a table. A host with several answers returns them
// in sequence and then keeps repeating the last one.
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][][]netip.Addr
	calls   map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{answers: map[string][][]netip.Addr{}, calls: map[string]int{}}
}

func (f *fakeResolver) set(host string, addrs ...string) *fakeResolver {
	var as []netip.Addr
	for _, a := range addrs {
		as = append(as, netip.MustParseAddr(a))
	}
	f.mu.Lock()
	f.answers[host] = append(f.answers[host], as)
	f.mu.Unlock()
	return f
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[host]
	f.calls[host]++
	seq, ok := f.answers[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], nil
}

func (f *fakeResolver) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newGuard(res Resolver, allow ...string) *Guard {
	return New(Options{
		Allowlist:    allow,
		Timeout:      2 * time.Second,
		MaxBytes:     1024,
		MaxRedirects: 3,
		Resolver:     res,
		Logger:       testLogger(),
	})
}

// permitLoopback lets the guard reach httptest servers on 127.0.0.1 while
// keeping every other blocked range in force.
func permitLoopback(g *Guard) {
	g.blocked = func(a netip.Addr) bool {
		if a.Unmap().IsLoopback() {
			return false
		}
		return isBlocked(a)
	}
}

func requireDenied(t *testing.T, err error, sentinel error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	ce, ok := capability.As(err)
	require.True(t, ok, "expected capability error, got %T: %v", err, err)
	assert.Equal(t, "egress", ce.Guard)
}

func TestValidateRejectsNonHTTPSchemes(t *testing.T) {
	g := newGuard(newFakeResolver(), "example.com")
	for _, raw := range []string{"ftp://example.com/x", "file:///etc/passwd", "gopher://example.com", "example.com/no-scheme"} {
		_, err := g.Validate(context.Background(), raw)
		requireDenied(t, err, ErrScheme)
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	g := newGuard(newFakeResolver(), "example.com")
	for _, raw := range []string{"http:///path", "https://"} {
		_, err := g.Validate(context.Background(), raw)
		requireDenied(t, err, ErrNoHost)
	}
}

func TestValidateRejectsHostsOffAllowlistWithoutResolving(t *testing.T) {
	res := newFakeResolver()
	for _, h := range []string{"evil.com", "example.com.evil.com", "notexample.com"} {
		res.set(h, "93.184.216.34")
	}
	g := newGuard(res, "example.com")

	for _, h := range []string{"evil.com", "example.com.evil.com", "notexample.com"} {
		_, err := g.Validate(context.Background(), "https://"+h+"/")
		requireDenied(t, err, ErrNotAllowed)
		assert.Zero(t, res.count(h), "off-allowlist host %s must not be resolved", h)
	}
}

func TestValidateAcceptsAllowlistedHostAndSubdomains(t *testing.T) {
	res := newFakeResolver().
		set("example.com", "93.184.216.34").
		set("api.example.com", "93.184.216.35", "2606:2800:220:1:248:1893:25c8:1946")
	g := newGuard(res, "Example.COM")

	for _, raw := range []string{"https://example.com", "http://API.Example.com./v1?q=1", "https://api.example.com:8443/x"} {
		target, err := g.Validate(context.Background(), raw)
		require.NoError(t, err, raw)
		assert.NotEmpty(t, target.Addrs)
	}
}

func TestValidateRejectsPrivateAddressesEvenWhenAllowlisted(t *testing.T) {
	cases := map[string][]string{
		"loopback":     {"127.0.0.1"},
		"ten":          {"10.1.2.3"},
		"metadata":     {"169.254.169.254"},
		"rfc1918-172":  {"172.16.0.1"},
		"rfc1918-192":  {"192.168.1.1"},
		"cgnat":        {"100.64.0.1"},
		"unspecified":  {"0.0.0.0"},
		"v6-loopback":  {"::1"},
		"v6-linklocal": {"fe80::1"},
		"v6-ula":       {"fc00::1"},
		"v4-mapped":    {"::ffff:127.0.0.1"},
		"nat64":        {"64:ff9b::a00:1"},
		"mixed":        {"93.184.216.34", "10.0.0.1"},
	}
	for name, addrs := range cases {
		t.Run(name, func(t *testing.T) {
			res := newFakeResolver().set("internal.example.com", addrs...)
			g := newGuard(res, "example.com")
			_, err := g.Validate(context.Background(), "http://internal.example.com/")
			requireDenied(t, err, ErrBlockedAddress)
		})
	}
}

func TestValidateIPLiterals(t *testing.T) {
	g := newGuard(newFakeResolver(), "127.0.0.1", "93.184.216.34")

	_, err := g.Validate(context.Background(), "http://127.0.0.1:8080/")
	requireDenied(t, err, ErrBlockedAddress)

	target, err := g.Validate(context.Background(), "http://93.184.216.34/")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, target.Addrs)

	_, err = g.Validate(context.Background(), "http://[::1]/")
	requireDenied(t, err, ErrNotAllowed)
}

func TestValidateFailsClosedOnDNSError(t *testing.T) {
	res := newFakeResolver()
	res.answers["empty.example.com"] = [][]netip.Addr{{}}
	g := newGuard(res, "example.com")

	_, err := g.Validate(context.Background(), "https://missing.example.com/")
	requireDenied(t, err, ErrResolve)

	_, err = g.Validate(context.Background(), "https://empty.example.com/")
	requireDenied(t, err, ErrResolve)
}

func TestIsBlocked(t *testing.T) {
	for _, a := range []string{"8.8.8.8", "93.184.216.34", "1.1.1.1", "2606:4700:4700::1111"} {
		assert.False(t, isBlocked(netip.MustParseAddr(a)), a)
	}
	for _, a := range []string{
		"127.0.0.53", "10.255.255.255", "172.31.0.1", "192.168.0.1", "169.254.1.1",
		"224.0.0.1", "255.255.255.255", "198.18.0.1", "203.0.113.9", "::", "ff02::1",
		"2001:db8::1", "::ffff:10.0.0.1",
	} {
		assert.True(t, isBlocked(netip.MustParseAddr(a)), a)
	}
	assert.True(t, isBlocked(netip.Addr{}))
}

// upstream starts an httptest server and returns a URL for it under host,
// with the fake resolver pointing host at the loopback listener.
func upstream(t *testing.T, res *fakeResolver, host string, h http.Handler) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	res.set(host, "127.0.0.1")
	return srv, fmt.Sprintf("http://%s:%s", host, u.Port())
}

func TestFetchReturnsStatusHeadersAndBody(t *testing.T) {
	res := newFakeResolver()
	_, base := upstream(t, res, "api.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.Header().Set("X-Echo-Method", r.Method)
		w.Header().Set("X-Echo-Token", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("got:" + string(body)))
	}))

	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base+"/things")
	require.NoError(t, err)

	resp, err := g.Fetch(context.Background(), target, "post", map[string]string{"X-Token": "t1"}, `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "a, b", resp.Headers["X-Multi"])
	assert.Equal(t, "POST", resp.Headers["X-Echo-Method"])
	assert.Equal(t, "t1", resp.Headers["X-Echo-Token"])
	assert.Equal(t, `got:{"a":1}`, resp.Body)
}

func TestFetchDoesNotForwardTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	seen := make(chan http.Header, 1)
	res := newFakeResolver()
	_, base := upstream(t, res, "api.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
	}))
	g := newGuard(res, "example.com")
	permitLoopback(g)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	target, err := g.Validate(ctx, base+"/")
	require.NoError(t, err)
	_, err = g.Fetch(ctx, target, "GET", nil, "")
	require.NoError(t, err)

	hdr := <-seen
	assert.Empty(t, hdr.Get("Traceparent"))
	assert.Empty(t, hdr.Get("Tracestate"))
	assert.Empty(t, hdr.Get("Baggage"))
}

func TestFetchTruncatesBodySilently(t *testing.T) {
	res := newFakeResolver()
	_, base := upstream(t, res, "big.example.com", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)
	resp, err := g.Fetch(context.Background(), target, "GET", nil, "")
	require.NoError(t, err)
	assert.Len(t, resp.Body, 1024)
}

func TestFetchDecodesInvalidUTF8Lossily(t *testing.T) {
	res := newFakeResolver()
	_, base := upstream(t, res, "bin.example.com", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte{'o', 'k', 0xff, 0xfe, '!'})
	}))
	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)
	resp, err := g.Fetch(context.Background(), target, "GET", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "ok�!", resp.Body)
}

func TestFetchFollowsRedirectWithinPolicy(t *testing.T) {
	res := newFakeResolver()
	_, finalBase := upstream(t, res, "cdn.example.com", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("final"))
	}))
	_, base := upstream(t, res, "www.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, finalBase+"/landing", http.StatusFound)
	}))
	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)
	resp, err := g.Fetch(context.Background(), target, "GET", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "final", resp.Body)
}

func TestFetchRevalidatesEveryRedirectHop(t *testing.T) {
	var hit atomic.Int32
	res := newFakeResolver()
	_, evilBase := upstream(t, res, "evil.test", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit.Add(1)
	}))
	_, internalBase := upstream(t, res, "internal.example.com", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit.Add(1)
	}))
	// internal.example.com is allowlisted but now points at a private range.
	res.answers["internal.example.com"] = [][]netip.Addr{{netip.MustParseAddr("10.0.0.7")}}

	cases := map[string]struct {
		location string
		want     error
	}{
		"off allowlist":   {evilBase + "/", ErrNotAllowed},
		"private address": {internalBase + "/", ErrBlockedAddress},
		"ip literal":      {"http://169.254.169.254/latest/meta-data", ErrNotAllowed},
		"scheme":          {"file:///etc/passwd", ErrScheme},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, base := upstream(t, res, "hop.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, tc.location, http.StatusFound)
			}))
			g := newGuard(res, "example.com")
			permitLoopback(g)

			target, err := g.Validate(context.Background(), base)
			require.NoError(t, err)
			_, err = g.Fetch(context.Background(), target, "GET", nil, "")
			requireDenied(t, err, tc.want)
		})
	}
	assert.Zero(t, hit.Load(), "redirect target must never be contacted")
}

func TestFetchStopsAfterMaxRedirects(t *testing.T) {
	res := newFakeResolver()
	var base string
	_, base = upstream(t, res, "loop.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, base+"/again", http.StatusFound)
	}))
	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)
	_, err = g.Fetch(context.Background(), target, "GET", nil, "")
	requireDenied(t, err, ErrTooManyRedirects)
}

func TestFetchRechecksAddressesAtDialTime(t *testing.T) {
	res := newFakeResolver()
	_, base := upstream(t, res, "rebind.example.com", http.NotFoundHandler())
	// First two lookups (Validate by the caller, Validate inside Fetch) see
	// the listener; the dialer's lookup sees a private address.
	res.answers["rebind.example.com"] = [][]netip.Addr{
		{netip.MustParseAddr("127.0.0.1")},
		{netip.MustParseAddr("127.0.0.1")},
		{netip.MustParseAddr("10.9.8.7")},
	}
	g := newGuard(res, "example.com")
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)
	_, err = g.Fetch(context.Background(), target, "GET", nil, "")
	requireDenied(t, err, ErrBlockedAddress)
	assert.Equal(t, 3, res.count("rebind.example.com"))
}

func TestFetchEnforcesTimeout(t *testing.T) {
	res := newFakeResolver()
	_, base := upstream(t, res, "slow.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	g := New(Options{
		Allowlist: []string{"example.com"},
		Timeout:   100 * time.Millisecond,
		Resolver:  res,
		Logger:    testLogger(),
	})
	permitLoopback(g)

	target, err := g.Validate(context.Background(), base)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.Fetch(context.Background(), target, "GET", nil, "")
	require.Error(t, err)
	_, isCapability := capability.As(err)
	assert.False(t, isCapability)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFetchRejectsUnsupportedMethod(t *testing.T) {
	res := newFakeResolver().set("example.com", "93.184.216.34")
	g := newGuard(res, "example.com")
	target, err := g.Validate(context.Background(), "https://example.com")
	require.NoError(t, err)

	_, err = g.Fetch(context.Background(), target, "TRACE", nil, "")
	assert.True(t, errors.Is(err, ErrMethod))
}
