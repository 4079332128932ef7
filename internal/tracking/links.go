// Package tracking builds and verifies the public open and click beacon URLs
// embedded in outbound mail.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// Signer binds a click target to one tracking token so the click beacon only
// redirects to links that were actually rendered into a message.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for secret, or nil when secret is blank. A nil
// signer disables click rewriting and click redirects.
func NewSigner(secret string) *Signer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &Signer{key: []byte(secret)}
}

// Sign returns the URL-safe signature of target for token.
func (s *Signer) Sign(token, target string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(token))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig was produced by Sign for token and target.
func (s *Signer) Verify(token, target, sig string) bool {
	if s == nil || sig == "" {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(token))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return hmac.Equal(got, mac.Sum(nil))
}

// OpenURL returns the open pixel URL for token.
func OpenURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/t/o/" + url.PathEscape(token)
}

// ClickURL returns the signed click beacon URL that redirects to target.
func ClickURL(baseURL, token, target string, s *Signer) string {
	q := url.Values{}
	q.Set("u", target)
	q.Set("s", s.Sign(token, target))
	return strings.TrimRight(baseURL, "/") + "/t/c/" + url.PathEscape(token) + "?" + q.Encode()
}

// RedirectTarget accepts only absolute http and https URLs.
func RedirectTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String(), true
	default:
		return "", false
	}
}
