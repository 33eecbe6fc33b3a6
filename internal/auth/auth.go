// Package auth implements the gateway's two request gates: a shared bearer
// secret and an Origin allow-set.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptySecret is returned by NewVerifier for an empty secret.
var ErrEmptySecret = errors.New("auth: bearer secret must not be empty")

// Verifier checks bearer tokens against a single shared secret. Only the
// secret's BLAKE2b-256 digest is retained, and comparisons run in constant
// time over digests so the token length does not leak either.
type Verifier struct {
	digest [blake2b.Size256]byte
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{digest: blake2b.Sum256([]byte(secret))}, nil
}

// Verify reports whether token equals the secret.
func (v *Verifier) Verify(token string) bool {
	d := blake2b.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(d[:], v.digest[:]) == 1
}

// VerifyRequest checks the request's Authorization header.
func (v *Verifier) VerifyRequest(r *http.Request) bool {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		// Spend the same work on a missing header as on a wrong one.
		v.Verify("")
		return false
	}
	return v.Verify(token)
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively; everything after the first space is
// the token, taken verbatim.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return token, token != ""
}

// OriginPolicy decides which browser origins may call the gateway.
type OriginPolicy struct {
	allowed      map[string]struct{}
	allowMissing bool
}

// NewOriginPolicy builds a policy from origins such as "http://localhost".
// allowMissing admits requests without an Origin header (non-browser clients).
func NewOriginPolicy(origins []string, allowMissing bool) OriginPolicy {
	p := OriginPolicy{allowed: make(map[string]struct{}, len(origins)), allowMissing: allowMissing}
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Allow reports whether origin, the raw header value, passes. An empty value
// means the header was absent.
func (p OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return p.allowMissing
	}
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

// Origins returns the allow-set in no particular order.
func (p OriginPolicy) Origins() []string {
	out := make([]string, 0, len(p.allowed))
	for o := range p.allowed {
		out = append(out, o)
	}
	return out
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}
