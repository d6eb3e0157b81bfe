// Package auth verifies the bearer credentials minted by the identity service.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// tokenVersion prefixes every credential and is covered by the signature.
const tokenVersion = "ct1"

// DefaultLeeway absorbs clock skew between the identity service and us.
const DefaultLeeway = 30 * time.Second

// Claims carried by an installation credential. Team scopes every sync
// request and selects the broadcast room.
type Claims struct {
	Sub      string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	TeamID   string `json:"team"`
	JTI      string `json:"jti"`
	Device   string `json:"device,omitempty"`
	IssuedAt int64  `json:"iat,omitempty"`
	Exp      int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// ExpiresAt returns the expiry as a time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

func (c Claims) validate(now time.Time, leeway time.Duration) error {
	if c.Sub == "" || c.TeamID == "" || c.JTI == "" || c.Exp == 0 {
		return ErrInvalidToken
	}
	if c.IssuedAt != 0 && time.Unix(c.IssuedAt, 0).After(now.Add(leeway)) {
		return ErrInvalidToken
	}
	if !now.Before(c.ExpiresAt()) {
		return ErrExpiredToken
	}
	return nil
}

// Verifier checks credential signatures and lifetimes against one shared
// secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, leeway: DefaultLeeway, now: time.Now}
}

// WithClock overrides the wall clock.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Verify(token string) (Claims, error) {
	version, rest, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || version != tokenVersion {
		return Claims{}, ErrInvalidToken
	}
	payload, signature, ok := strings.Cut(rest, ".")
	if !ok || payload == "" || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(v.secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.validate(v.now(), v.leeway); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// ParseToken verifies token with the default leeway and the wall clock.
func ParseToken(secret []byte, token string) (Claims, error) {
	return NewVerifier(secret).Verify(token)
}

// IssueToken signs claims. Production credentials come from the identity
// service; this is used by tooling and tests that share its secret.
func IssueToken(secret []byte, claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return tokenVersion + "." + payload + "." + sign(secret, payload), nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(tokenVersion + "." + payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
