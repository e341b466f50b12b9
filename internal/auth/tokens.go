package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"streamvault/internal/models"
)

// DefaultTokenTTL is the lifetime of issued access tokens.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrInvalidToken is returned for tokens that are malformed, expired or
	// signed with another key.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrSecretRequired is returned when no signing secret is configured.
	ErrSecretRequired = errors.New("auth: token secret required")
)

// Claims carries the identity encoded in an access token. The subject is the
// user id.
type Claims struct {
	Role     models.Role `json:"role"`
	TenantID string      `json:"tenantId"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller derived from verified claims.
type Principal struct {
	UserID   string
	Role     models.Role
	TenantID string
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithTTL overrides DefaultTokenTTL.
func WithTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim written and required by the manager.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		m.issuer = strings.TrimSpace(issuer)
	}
}

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if now != nil {
			m.now = now
		}
	}
}

// TokenManager issues and verifies HS256 access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewTokenManager(secret string, opts ...TokenOption) (*TokenManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	manager := &TokenManager{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// Issue signs a token for user and returns it with its expiry.
func (m *TokenManager) Issue(user models.User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, errors.New("auth: user id required")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Role:     user.Role,
		TenantID: user.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses token and returns the principal it identifies.
func (m *TokenManager) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	role, ok := models.ParseRole(string(claims.Role))
	if !ok || claims.Subject == "" || strings.TrimSpace(claims.TenantID) == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Role: role, TenantID: claims.TenantID}, nil
}
