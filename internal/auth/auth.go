// Package auth checks Basic proxy credentials.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const basicScheme = "Basic"

// ErrMalformedCredential is returned for a token or header that is not a
// usable user:password pair.
var ErrMalformedCredential = errors.New("malformed proxy credential")

// ParseToken splits a configured "user:password" token.
func ParseToken(token string) (user, password string, err error) {
	user, password, ok := strings.Cut(token, ":")
	if !ok || user == "" || password == "" {
		return "", "", ErrMalformedCredential
	}
	return user, password, nil
}

// ParseBasic decodes a Proxy-Authorization header value of the Basic scheme.
func ParseBasic(header string) (user, password string, err error) {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, basicScheme) {
		return "", "", ErrMalformedCredential
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", ErrMalformedCredential
	}
	user, password, ok = strings.Cut(string(raw), ":")
	if !ok {
		return "", "", ErrMalformedCredential
	}
	return user, password, nil
}

// HashSecret returns the digest credentials are compared by.
func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// Verifier checks Proxy-Authorization headers against one token.
type Verifier struct {
	hash []byte
}

// NewVerifier creates a Verifier for a "user:password" token.
func NewVerifier(token string) (*Verifier, error) {
	if _, _, err := ParseToken(token); err != nil {
		return nil, err
	}
	return &Verifier{hash: HashSecret(token)}, nil
}

// Verify reports whether header carries the configured credential. The
// comparison runs in constant time.
func (v *Verifier) Verify(header string) bool {
	user, password, err := ParseBasic(header)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(user+":"+password), v.hash) == 1
}

// Challenge sets the 407 challenge header for realm.
func Challenge(h http.Header, realm string) {
	h.Set("Proxy-Authenticate", basicScheme+` realm="`+realm+`"`)
}

// StripProxyHeaders removes hop-by-hop proxy headers before a request is
// forwarded upstream.
func StripProxyHeaders(h http.Header) {
	h.Del("Proxy-Authorization")
	h.Del("Proxy-Connection")
}
