package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trapmos/trapmos-alerts/internal/config"
)

func authConfig(password string) *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "ops"
	cfg.Auth.Password = password
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func newAuth(t *testing.T, cfg *config.Config) *AuthService {
	t.Helper()
	auth, err := NewAuthService(cfg)
	require.NoError(t, err)
	return auth
}

func TestAuthenticateAndValidate(t *testing.T) {
	auth := newAuth(t, authConfig("s3cret"))

	_, err := auth.Authenticate("ops", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := auth.Authenticate(" ops ", "s3cret")
	require.NoError(t, err)
	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)

	_, err = auth.Validate(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateBcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := newAuth(t, authConfig(string(hash)))

	_, err = auth.Authenticate("ops", "hunter2")
	assert.NoError(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	auth := newAuth(t, authConfig("pw"))
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issued }
	token, err := auth.Authenticate("ops", "pw")
	require.NoError(t, err)

	auth.now = func() time.Time { return issued.Add(13 * time.Hour) }
	_, err = auth.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthDisabled(t *testing.T) {
	cfg := authConfig("pw")
	cfg.Auth.Enabled = false
	auth := newAuth(t, cfg)

	token, err := auth.Authenticate("anyone", "anything")
	require.NoError(t, err)
	assert.Empty(t, token)
	claims, err := auth.Validate("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", claims.Username)
}

func TestGeneratedSecretWhenUnset(t *testing.T) {
	cfg := authConfig("pw")
	cfg.Auth.JWTSecret = ""
	first := newAuth(t, cfg)
	second := newAuth(t, cfg)

	token, err := first.Authenticate("ops", "pw")
	require.NoError(t, err)
	_, err = first.Validate(token)
	require.NoError(t, err)
	_, err = second.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
