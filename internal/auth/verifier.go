package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "classhub/internal/errors"
	"classhub/pkg/types"
)

// Claims is the token payload binding a user to a role within one session.
type Claims struct {
	Role        string `json:"role"`
	SessionCode string `json:"session_code"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and resolves them to identities. It holds
// no mutable state; the same token always yields the same result until it
// expires. HMAC signature comparison inside the jwt library is constant-time.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a verifier for the shared signing secret.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Verify validates a token and returns the identity it carries. Every
// failure mode (malformed, expired, bad signature, wrong algorithm, bogus
// claims) collapses to Unauthenticated so callers reject uniformly.
func (v *Verifier) Verify(token string) (types.Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return types.Identity{}, apperrors.Unauthenticated("invalid token").WithCause(err)
	}
	if !parsed.Valid {
		return types.Identity{}, apperrors.Unauthenticated("invalid token")
	}

	if !types.IsValidUserID(claims.Subject) {
		return types.Identity{}, apperrors.Unauthenticated("token subject is not a valid user id")
	}
	if !types.IsValidRole(claims.Role) {
		return types.Identity{}, apperrors.Unauthenticated(fmt.Sprintf("unknown role %q", claims.Role))
	}
	if !types.IsValidSessionCode(claims.SessionCode) {
		return types.Identity{}, apperrors.Unauthenticated("token session code is malformed")
	}

	return types.Identity{
		UserID:      claims.Subject,
		Role:        claims.Role,
		SessionCode: claims.SessionCode,
	}, nil
}

// Issue mints a token for an identity. Used by the credential endpoint; the
// hub core only ever calls Verify.
func (v *Verifier) Issue(identity types.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:        identity.Role,
		SessionCode: identity.SessionCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
