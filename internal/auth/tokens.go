// Package auth issues and verifies device tokens and watches the
// operator denylist for live revocation.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token operations.
var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrExpiredToken   = errors.New("auth: token has expired")
	ErrDeviceMismatch = errors.New("auth: token not issued for this device")
)

// Claims are the token payload: sub carries the userId, deviceId binds
// the token to one device, isAdmin gates pair_decision.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
	IsAdmin  bool   `json:"isAdmin"`
}

// TokenService mints and verifies HS256 tokens against the persisted
// signing key. Rotating the key invalidates everything outstanding.
type TokenService struct {
	key []byte
	ttl time.Duration // 0 issues tokens without an exp claim

	now func() time.Time
}

// NewTokenService creates a service for the given key and lifetime.
func NewTokenService(key []byte, ttl time.Duration) *TokenService {
	return &TokenService{key: key, ttl: ttl, now: time.Now}
}

// Mint signs a token for (userID, deviceID).
func (s *TokenService) Mint(userID, deviceID string, isAdmin bool) (string, error) {
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		DeviceID: deviceID,
		IsAdmin:  isAdmin,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Verify checks signature and expiry, then binds the token to
// wantDeviceID with a constant-time compare. Allowlist, denylist, and
// pending-state checks are layered on top by the pairing manager.
func (s *TokenService) Verify(tokenString, wantDeviceID string) (*Claims, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(claims.DeviceID), []byte(wantDeviceID)) != 1 {
		return nil, ErrDeviceMismatch
	}
	return claims, nil
}

// Parse checks signature and expiry without binding to a device. The
// media plane uses it for Bearer tokens, where the device identity
// comes from the claims themselves.
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return s.now()
	}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
