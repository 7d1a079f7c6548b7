// Package auth provides JWT-based authentication for the platform API.
//
// Tokens are signed with HMAC-SHA256. The signing secret comes from
// configuration; when none is configured an ephemeral secret is generated,
// which is fine for development but invalidates tokens on restart.
package auth

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with account fields.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AccountID returns the numeric account id carried in the subject claim.
func (c *Claims) AccountID() (int, error) {
	id, err := strconv.Atoi(c.Subject)
	if err != nil {
		return 0, fmt.Errorf("auth: invalid subject (expected account id): %w", err)
	}
	return id, nil
}

// JWTManager handles JWT creation and validation.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager creates a JWTManager with the given signing secret.
// An empty secret generates an ephemeral one.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		slog.Warn("auth: no JWT secret configured, generating ephemeral secret (not for production)")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	}
	return &JWTManager{secret: key, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given account.
func (m *JWTManager) IssueToken(accountID int, email, role string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(accountID),
			Issuer:    "gridflex",
			Audience:  jwt.ClaimStrings{"gridflex"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email: email,
		Role:  role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience("gridflex"),
		jwt.WithIssuer("gridflex"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, err
	}
	return claims, nil
}
