// Package auth provides the caller-identity collaborator the HTTP
// surface needs to resolve a user_id before the core will admit a
// request (spec.md §6). Grounded on control_plane/auth/jwt.go's
// hand-rolled HMAC-SHA256 JWT (no external JWT library in the
// teacher's own stack, so none is introduced here either).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims carries the identity the core's gates key off: user_id for
// per-user rate limiting (spec.md §4.4) and credit lookups (§4.7).
type Claims struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

// Signer issues and validates tokens against one HMAC secret.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewSigner builds a Signer. secret must be at least 32 bytes, the
// same floor the teacher enforces at startup.
func NewSigner(secret []byte, issuer, audience string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: secret, issuer: issuer, audience: audience, ttl: ttl}, nil
}

// Issue mints a signed token for userID/role.
func (s *Signer) Issue(userID, role string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		UserID:    userID,
		Role:      role,
		Issuer:    s.issuer,
		Audience:  s.audience,
		ExpiresAt: now + int64(s.ttl.Seconds()),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	signature := s.computeHMAC(tokenPart)

	return tokenPart + "." + signature, nil
}

// Validate parses and verifies tokenString, returning its claims.
func (s *Signer) Validate(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("auth: invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	want := s.computeHMAC(tokenPart)
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return nil, errors.New("auth: invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("auth: decode claims: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("auth: unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("auth: token expired")
	}
	if claims.Issuer != s.issuer {
		return nil, errors.New("auth: invalid issuer")
	}
	if claims.Audience != s.audience {
		return nil, errors.New("auth: invalid audience")
	}

	return &claims, nil
}

func (s *Signer) computeHMAC(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
