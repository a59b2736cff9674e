// Package auth authenticates the platform administrator. Login exchanges
// the configured password for an HS256 bearer token; every issued token is
// also recorded server-side so it can expire early on logout.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ephemera/server/internal/clock"
	"ephemera/server/internal/fault"
)

// Error values reported by the manager.
var (
	ErrDisabled      = fault.Authorization("admin login is disabled")
	ErrWrongPassword = fault.Authorization("wrong password")
	ErrInvalidToken  = fault.Authorization("invalid admin token")
	ErrExpiredToken  = fault.Authorization("admin token has expired")
)

const issuer = "ephemera"

// Claims are the admin token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Token is an issued bearer token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues and validates admin tokens. It is safe for concurrent use.
type Manager struct {
	clock    clock.Clock
	password string
	key      []byte
	ttl      time.Duration

	mu     sync.Mutex
	tokens map[string]time.Time
}

// New returns a manager for password. The signing key is derived from
// secret, or from the password when no secret is configured. An empty
// password disables login.
func New(c clock.Clock, password, secret string, ttl time.Duration) *Manager {
	seed := secret
	if seed == "" {
		seed = "fallback:" + password
	}
	sum := sha256.Sum256([]byte(seed))
	return &Manager{
		clock:    c,
		password: password,
		key:      sum[:],
		ttl:      ttl,
		tokens:   make(map[string]time.Time),
	}
}

// Enabled reports whether an admin password is configured.
func (m *Manager) Enabled() bool { return m.password != "" }

// Login checks password and issues a token.
func (m *Manager) Login(password string) (Token, error) {
	if !m.Enabled() {
		return Token{}, ErrDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(m.password)) != 1 {
		slog.Warn("admin login failed")
		return Token{}, ErrWrongPassword
	}

	now := m.clock.Now()
	exp := now.Add(m.ttl)
	jti := uuid.NewString()
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "admin",
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return Token{}, err
	}

	m.mu.Lock()
	m.tokens[jti] = exp
	m.mu.Unlock()

	slog.Info("admin logged in", "jti", jti, "expires_at", exp)
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Validate checks the signature, the expiry and that the token is still
// recorded server-side.
func (m *Manager) Validate(raw string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.tokens[claims.ID]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !m.clock.Now().Before(exp) {
		delete(m.tokens, claims.ID)
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// Logout revokes a token. It reports whether the token was live.
func (m *Manager) Logout(raw string) bool {
	claims, err := m.Validate(raw)
	if err != nil {
		return false
	}
	m.mu.Lock()
	delete(m.tokens, claims.ID)
	m.mu.Unlock()
	slog.Info("admin logged out", "jti", claims.ID)
	return true
}

// Sweep drops expired token records and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for jti, exp := range m.tokens {
		if !now.Before(exp) {
			delete(m.tokens, jti)
			n++
		}
	}
	return n
}

// Active returns the number of live token records.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
