package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of an access token.
const DefaultTokenTTL = 24 * time.Hour

const issuer = "amigochat"

// Claims is the payload of an access token.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Revocations records signed-out tokens until they would have expired.
type Revocations interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	secret      []byte
	ttl         time.Duration
	revocations Revocations // optional
	now         func() time.Time
}

// NewTokenService creates a TokenService. A zero ttl uses DefaultTokenTTL and
// a nil revocations disables signout revocation.
func NewTokenService(secret string, ttl time.Duration, revocations Revocations) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{
		secret:      []byte(secret),
		ttl:         ttl,
		revocations: revocations,
		now:         time.Now,
	}
}

// Issue creates a signed token for u.
func (s *TokenService) Issue(u *User) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		UserID: u.ID.String(),
		Roles:  u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("account: sign token: %w", err)
	}
	return token, claims, nil
}

// Verify checks the signature, expiry and revocation status of a token.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("account: verify token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}

	if s.revocations != nil && claims.ID != "" {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("account: check revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Revoke invalidates a token until its natural expiry.
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	if s.revocations == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.revocations.Revoke(ctx, claims.ID, ttl)
}

// VerifyIdentity checks that token is valid and was issued to userID. It is
// the identify-handshake check used in strict identity mode.
func (s *TokenService) VerifyIdentity(ctx context.Context, token, userID string) error {
	if token == "" {
		return errors.New("account: missing token")
	}
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return ErrIdentityMismatch
	}
	return nil
}
