package api

import (
	"testing"
)

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator(AuthConfig{})
	if a.IsEnabled() {
		t.Fatal("expected auth disabled")
	}
	if err := a.ValidateToken(""); err != nil {
		t.Errorf("disabled auth rejected empty token: %v", err)
	}

	var nilAuth *Authenticator
	if nilAuth.IsEnabled() || nilAuth.ValidateToken("x") != nil {
		t.Error("nil authenticator must accept everything")
	}
}

func TestAuthenticatorGeneratesToken(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: true})
	if !a.Generated() {
		t.Fatal("expected generated token")
	}
	if len(a.Token()) != 64 {
		t.Errorf("token length = %d, want 64", len(a.Token()))
	}
	if err := a.ValidateToken(a.Token()); err != nil {
		t.Errorf("generated token rejected: %v", err)
	}
}

func TestAuthenticatorValidateToken(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"valid", "secret", nil},
		{"empty", "", ErrAuthRequired},
		{"mismatch", "guess", ErrAuthTokenMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.ValidateToken(tt.token); err != tt.want {
				t.Errorf("ValidateToken(%q) = %v, want %v", tt.token, err, tt.want)
			}
		})
	}
}

func TestAuthenticatorFromEnv(t *testing.T) {
	t.Setenv(EnvAuthEnabled, "true")
	t.Setenv(EnvAuthToken, "from-env")

	a := NewAuthenticatorFromEnv(AuthConfig{Token: "from-file"})
	if !a.IsEnabled() {
		t.Fatal("env should enable auth")
	}
	if a.Token() != "from-env" || a.Generated() {
		t.Errorf("token = %q, generated = %v", a.Token(), a.Generated())
	}

	t.Setenv(EnvAuthEnabled, "0")
	if NewAuthenticatorFromEnv(AuthConfig{Enabled: true}).IsEnabled() {
		t.Error("env should disable auth")
	}
}
