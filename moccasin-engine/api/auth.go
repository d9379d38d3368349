package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// Environment variables read by NewAuthenticatorFromEnv.
const (
	EnvAuthEnabled = "MOC_AUTH_ENABLED"
	EnvAuthToken   = "MOC_AUTH_TOKEN"
)

// AuthConfig holds bridge authentication configuration.
type AuthConfig struct {
	// Enabled requires every bridge command to carry the token.
	Enabled bool `toml:"enabled"`
	// Token is the secret clients must provide.
	Token string `toml:"token"`
}

// Authenticator checks the token carried by bridge commands.
type Authenticator struct {
	config    AuthConfig
	generated bool
	mu        sync.RWMutex
}

// NewAuthenticator creates a new Authenticator with the given config. When
// auth is enabled without a token, a random one is generated.
func NewAuthenticator(config AuthConfig) *Authenticator {
	a := &Authenticator{config: config}
	if config.Enabled && config.Token == "" {
		a.config.Token = GenerateToken()
		a.generated = true
	}
	return a
}

// NewAuthenticatorFromEnv creates an Authenticator from MOC_AUTH_ENABLED and
// MOC_AUTH_TOKEN, falling back to base for unset variables.
func NewAuthenticatorFromEnv(base AuthConfig) *Authenticator {
	switch os.Getenv(EnvAuthEnabled) {
	case "true", "1":
		base.Enabled = true
	case "false", "0":
		base.Enabled = false
	}
	if token := os.Getenv(EnvAuthToken); token != "" {
		base.Token = token
	}
	return NewAuthenticator(base)
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// Generated reports whether the token was generated rather than configured,
// in which case the operator has to be shown it.
func (a *Authenticator) Generated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generated
}

// Token returns the current auth token.
func (a *Authenticator) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Token
}

// ValidateToken checks the provided token in constant time. A nil or
// disabled Authenticator accepts everything.
func (a *Authenticator) ValidateToken(providedToken string) error {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}

	if providedToken == "" {
		return ErrAuthRequired
	}

	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}

	return nil
}

// GenerateToken generates a cryptographically secure random token.
func GenerateToken() string {
	b := make([]byte, 32) // 256 bits
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
