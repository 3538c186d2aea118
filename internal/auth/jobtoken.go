package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jobTokenAudience = "genrunner-container"

// JobClaims bind a container token to one job.
type JobClaims struct {
	jwt.RegisteredClaims
	Job string `json:"job"`
}

// JobTokens issues and verifies the tokens containers use to dial back.
type JobTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJobTokens creates a job token issuer.
func NewJobTokens(secret string, ttl time.Duration) (*JobTokens, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("job token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &JobTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for jobID.
func (j *JobTokens) Issue(jobID string) (string, error) {
	now := j.now()
	claims := JobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jobID,
			Audience:  jwt.ClaimStrings{jobTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
		Job: jobID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign job token: %w", err)
	}
	return token, nil
}

// Verify checks that tokenString is valid and was issued for jobID.
func (j *JobTokens) Verify(tokenString, jobID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &JobClaims{},
		func(*jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(jobTokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return fmt.Errorf("failed to parse job token: %w", err)
	}
	claims, ok := token.Claims.(*JobClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid job token")
	}
	if claims.Job != jobID {
		return fmt.Errorf("job token mismatch: issued for %s, presented for %s", claims.Job, jobID)
	}
	return nil
}
