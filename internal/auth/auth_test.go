package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemera/server/internal/clock"
)

func newTestManager() (*Manager, *clock.FakeClock) {
	c := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return New(c, "s3cret", "", 6*time.Hour), c
}

func TestLoginAndValidate(t *testing.T) {
	m, c := newTestManager()

	_, err := m.Login("nope")
	assert.ErrorIs(t, err, ErrWrongPassword)

	tok, err := m.Login("s3cret")
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(6*time.Hour), tok.ExpiresAt)

	claims, err := m.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenExpires(t *testing.T) {
	m, c := newTestManager()
	tok, err := m.Login("s3cret")
	require.NoError(t, err)

	c.Advance(6*time.Hour - time.Second)
	_, err = m.Validate(tok.Value)
	require.NoError(t, err)

	c.Advance(time.Second)
	_, err = m.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Equal(t, 1, m.Sweep())
	assert.Zero(t, m.Active())
}

func TestLogoutRevokes(t *testing.T) {
	m, _ := newTestManager()
	tok, err := m.Login("s3cret")
	require.NoError(t, err)

	assert.True(t, m.Logout(tok.Value))
	_, err = m.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.False(t, m.Logout(tok.Value))
}

func TestForeignTokensRejected(t *testing.T) {
	m, c := newTestManager()
	other := New(c, "s3cret", "different-secret", time.Hour)
	tok, err := other.Login("s3cret")
	require.NoError(t, err)
	_, err = m.Validate(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: issuer})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSweep(t *testing.T) {
	m, c := newTestManager()
	_, err := m.Login("s3cret")
	require.NoError(t, err)
	c.Advance(3 * time.Hour)
	_, err = m.Login("s3cret")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	c.Advance(4 * time.Hour)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Active())
}

func TestDisabledWithoutPassword(t *testing.T) {
	m := New(clock.Real(), "", "", time.Hour)
	assert.False(t, m.Enabled())
	_, err := m.Login("")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = m.Validate("x")
	assert.ErrorIs(t, err, ErrDisabled)
}
