package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenMissingIssuedAt is returned when a build token carries no iat.
	ErrTokenMissingIssuedAt = errors.New("token has no issued-at claim")
)

// BuildClaims are the claims a build pipeline signs into a build token.
type BuildClaims struct {
	Version   string `json:"version"`
	Platform  string `json:"platform"`
	BuildHash string `json:"build_hash"`
	jwt.RegisteredClaims
}

// SessionClaims are the claims of a session token issued after attestation.
type SessionClaims struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	jwt.RegisteredClaims
}

// ParseBuildToken checks the EdDSA signature of a build token against the
// build verification key. Time claims are left to the caller, which applies
// its own skew window.
func ParseBuildToken(token string, key ed25519.PublicKey) (*BuildClaims, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("build verification key is not configured")
	}
	claims := &BuildClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("parse build token: %w", err)
	}
	if claims.IssuedAt == nil {
		return nil, ErrTokenMissingIssuedAt
	}
	return claims, nil
}

// SignBuildToken signs claims with a build pipeline key. The coordinator only
// verifies build tokens; signing exists for tooling and tests.
func SignBuildToken(claims BuildClaims, key ed25519.PrivateKey) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// IssueSessionToken signs a session token for deviceID valid for ttl.
func IssueSessionToken(key ed25519.PrivateKey, deviceID, platform, version string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	expires := now.Add(ttl)
	claims := SessionClaims{
		Platform: platform,
		Version:  version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// ParseSessionToken verifies a session token and its validity window at now.
func ParseSessionToken(token string, key ed25519.PublicKey, now time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	return claims, nil
}
