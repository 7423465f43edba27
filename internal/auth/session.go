// Package auth issues and verifies the session tokens that bind a network
// connection to the entity it controls.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "movecore"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the verified content of a session token.
type Claims struct {
	EntityID  uint32
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type sessionClaims struct {
	EntityID uint32 `json:"eid"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens with one shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewIssuer constructs an issuer for the supplied secret and clock skew allowance.
func NewIssuer(secret string, leeway time.Duration) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Issuer{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the issuer clock for deterministic tests.
func (i *Issuer) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	i.now = clock
}

// Issue signs a token for entityID valid for ttl.
func (i *Issuer) Issue(entityID uint32, ttl time.Duration) (string, error) {
	if i == nil || len(i.secret) == 0 {
		return "", errors.New("issuer not initialised")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	now := i.now()
	claims := sessionClaims{
		EntityID: entityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   strconv.FormatUint(uint64(entityID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses the token, checks the signature, issuer and expiry, and returns
// the embedded claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	if i == nil || len(i.secret) == 0 {
		return Claims{}, errors.New("issuer not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	//1.- The subject must agree with the entity claim.
	if claims.Subject != strconv.FormatUint(uint64(claims.EntityID), 10) {
		return Claims{}, fmt.Errorf("%w: subject does not match entity", ErrInvalidToken)
	}

	out := Claims{EntityID: claims.EntityID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}
