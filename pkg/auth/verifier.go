// Package auth verifies access tokens issued by the hosted auth backend and
// turns them into an actor plus pharmacy scope on the request context.
package auth

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	"github.com/pharmaportal/pharmaportal-backend/pkg/config"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// AppMetadata is the server-controlled part of the token. The portal writes
// the application role and the pharmacy binding here.
type AppMetadata struct {
	Role       string `json:"role"`
	PharmacyID string `json:"pharmacy_id,omitempty"`
}

// Claims represents the access token claims
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`

	// Role is the database role ("authenticated"), not the portal role
	Role        string      `json:"role"`
	AppMetadata AppMetadata `json:"app_metadata"`
}

// Actor converts the claims to the actor recorded on writes
func (c *Claims) Actor() *actor.Actor {
	return &actor.Actor{
		ID:         c.Subject,
		Email:      c.Email,
		Role:       c.AppMetadata.Role,
		PharmacyID: c.AppMetadata.PharmacyID,
	}
}

// Verifier validates HS256 access tokens
type Verifier struct {
	config *config.AuthConfig
}

// NewVerifier creates a new token verifier
func NewVerifier(cfg *config.AuthConfig) *Verifier {
	return &Verifier{config: cfg}
}

// Verify validates an access token and returns the claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(v.config.JWTSecret), nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.TokenInvalid()
	}

	return claims, nil
}

// Sign issues a token for claims. Used by tests and local tooling; production
// tokens come from the hosted auth backend.
func (v *Verifier) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.Issuer == "" {
		claims.Issuer = v.config.Issuer
	}
	if len(claims.Audience) == 0 && v.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.config.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.JWTSecret))
}
