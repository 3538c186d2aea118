// Package auth validates browser tokens and issues the per-job tokens
// containers present when they dial back.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when a request carries no token.
var ErrMissingToken = errors.New("missing token")

// Claims are the browser token claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator validates browser JWTs.
type Validator struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	audience string
	issuer   string
	close    func()
}

// NewJWKSValidator validates RS/ES-signed tokens against a remote JWKS.
func NewJWKSValidator(ctx context.Context, jwksURL, audience, issuer string) (*Validator, error) {
	ctx, cancel := context.WithCancel(ctx)
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return &Validator{
		keyfunc:  k.Keyfunc,
		methods:  []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"},
		audience: audience,
		issuer:   issuer,
		close:    cancel,
	}, nil
}

// NewSharedSecretValidator validates HMAC-signed tokens.
func NewSharedSecretValidator(secret, audience, issuer string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("shared secret is empty")
	}
	key := []byte(secret)
	return &Validator{
		keyfunc:  func(*jwt.Token) (any, error) { return key, nil },
		methods:  []string{"HS256", "HS384", "HS512"},
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Validate parses and verifies tokenString and returns its claims.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods), jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// UserID extracts the user id from validated claims.
func (v *Validator) UserID(claims *Claims) string {
	return claims.Subject
}

// Close stops background JWKS refresh.
func (v *Validator) Close() {
	if v.close != nil {
		v.close()
	}
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades that cannot set
// headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
		return "", fmt.Errorf("malformed Authorization header")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// HS256 signs claims with secret. Used by tests and by genctl's local
// token minting.
func HS256(secret string, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// UserClaims builds browser claims for userID valid for ttl.
func UserClaims(userID, audience, issuer string, ttl time.Duration) Claims {
	now := time.Now()
	c := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}
	return c
}
