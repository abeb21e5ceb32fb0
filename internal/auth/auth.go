// Package auth verifies bearer tokens for learner and admin endpoints.
//
// Tokens are JWTs signed either with the service's shared HS256 secret or, when a JWKS URL is
// configured, with an Ed25519 key published by the identity provider.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the "role" claim.
const (
	RoleLearner = "learner"
	RoleAdmin   = "admin"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrExpired      = errors.New("token expired")
	ErrInvalid      = errors.New("invalid token")
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
	Name   string
	Email  string
}

// IsAdmin reports whether the caller may perform admin certificate actions.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanActFor reports whether the caller may read or write userID's data.
func (p Principal) CanActFor(userID string) bool {
	return p.IsAdmin() || (p.UserID != "" && p.UserID == userID)
}

// Verifier validates tokens against one issuer and audience.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	keys     *keySet
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithJWKS also accepts EdDSA tokens whose kid resolves in the key set at url.
func WithJWKS(url string) Option {
	return func(v *Verifier) {
		if url != "" {
			v.keys = newKeySet(url)
		}
	}
}

// NewVerifier returns a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret, issuer, audience string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	v := &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses and validates token and returns its principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return v.secret, nil
		case *jwt.SigningMethodEd25519:
			if v.keys == nil {
				return nil, fmt.Errorf("EdDSA tokens are not accepted")
			}
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("missing or invalid kid in JWT header")
			}
			return v.keys.key(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Principal{}, ErrExpired
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalid)
	}

	role := claims.Role
	if role == "" {
		role = RoleLearner
	}
	return Principal{UserID: claims.Subject, Role: role, Name: claims.Name, Email: claims.Email}, nil
}

// Sign mints an HS256 token for p valid for ttl. Used by the token subcommand and tests.
func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  p.Role,
		Name:  p.Name,
		Email: p.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// publicKey is the type returned for EdDSA verification.
type publicKey = ed25519.PublicKey
