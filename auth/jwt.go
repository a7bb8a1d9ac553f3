// Package auth issues and validates the service-to-service tokens tripwatch
// presents to the notification service and accepts on its ops endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zoobzio/clockz"
)

// Roles carried by service tokens.
const (
	RoleNotifier = "notifications:write"
	RoleOps      = "tripwatch:ops"
)

// Claims represents the JWT claims.
type Claims struct {
	Service string   `json:"service"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
	Clock    clockz.Clock
}

// DefaultJWTConfig returns default JWT configuration.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:   "tripwatch",
		TokenTTL: 15 * time.Minute,
	}
}

// JWTManager signs and validates HS256 service tokens.
type JWTManager struct {
	config JWTConfig
	clock  clockz.Clock
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(config JWTConfig) *JWTManager {
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultJWTConfig().TokenTTL
	}
	clock := config.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	return &JWTManager{config: config, clock: clock}
}

// IssueServiceToken signs a token for service and returns it with its expiry.
func (m *JWTManager) IssueServiceToken(service string, roles []string) (string, time.Time, error) {
	if m.config.Secret == "" {
		return "", time.Time{}, ErrNoSecret
	}

	now := m.clock.Now()
	expires := now.Add(m.config.TokenTTL)

	claims := Claims{
		Service: service,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   service,
			Audience:  jwt.ClaimStrings{m.config.Audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ServiceTokenSource hands out a cached bearer token, re-issuing it shortly
// before expiry. It satisfies the http package's Authorizer.
type ServiceTokenSource struct {
	manager *JWTManager
	service string
	roles   []string
	refresh time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewServiceTokenSource creates a token source for service.
func NewServiceTokenSource(manager *JWTManager, service string, roles ...string) *ServiceTokenSource {
	return &ServiceTokenSource{
		manager: manager,
		service: service,
		roles:   roles,
		refresh: time.Minute,
	}
}

// Authorization returns "Bearer <token>".
func (s *ServiceTokenSource) Authorization(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || !s.manager.clock.Now().Before(s.expires.Add(-s.refresh)) {
		token, expires, err := s.manager.IssueServiceToken(s.service, s.roles)
		if err != nil {
			return "", err
		}
		s.token, s.expires = token, expires
	}
	return "Bearer " + s.token, nil
}

// Common JWT errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoToken      = errors.New("no token provided")
	ErrNoSecret     = errors.New("no signing secret configured")
)
