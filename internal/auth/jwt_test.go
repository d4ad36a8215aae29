package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	secret := "test-secret-key"
	issuer := "edrn-portal"
	expiration := 24 * time.Hour

	t.Run("Validate valid token", func(t *testing.T) {
		token, err := GenerateToken("kelly", "kelly@example.com", RoleStaff, secret, issuer, expiration)
		require.NoError(t, err)

		claims, err := ValidateToken(token, secret, issuer)
		require.NoError(t, err)
		assert.Equal(t, "kelly", claims.Username)
		assert.Equal(t, "kelly@example.com", claims.Email)
		assert.Equal(t, RoleStaff, claims.Role)
		assert.Equal(t, "kelly", claims.Subject)
		assert.Equal(t, issuer, claims.Issuer)
	})

	t.Run("Validate token with wrong secret", func(t *testing.T) {
		token, err := GenerateToken("kelly", "", RoleStaff, secret, issuer, expiration)
		require.NoError(t, err)

		_, err = ValidateToken(token, "wrong-secret", issuer)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse token")
	})

	t.Run("Validate token from another issuer", func(t *testing.T) {
		token, err := GenerateToken("kelly", "", RoleStaff, secret, "somewhere-else", expiration)
		require.NoError(t, err)

		_, err = ValidateToken(token, secret, issuer)
		assert.Error(t, err)
	})

	t.Run("Issuer is not checked when none is configured", func(t *testing.T) {
		token, err := GenerateToken("kelly", "", RoleStaff, secret, "somewhere-else", expiration)
		require.NoError(t, err)

		_, err = ValidateToken(token, secret, "")
		assert.NoError(t, err)
	})

	t.Run("Validate expired token", func(t *testing.T) {
		token, err := GenerateToken("kelly", "", RoleStaff, secret, issuer, -1*time.Hour)
		require.NoError(t, err)

		_, err = ValidateToken(token, secret, issuer)
		assert.Error(t, err)
	})

	t.Run("Token without expiry is rejected", func(t *testing.T) {
		claims := &Claims{Username: "kelly", Role: RoleAdmin}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)

		_, err = ValidateToken(token, secret, "")
		assert.Error(t, err)
	})

	t.Run("Token signed with none is rejected", func(t *testing.T) {
		claims := &Claims{
			Username:         "kelly",
			Role:             RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = ValidateToken(token, secret, "")
		assert.Error(t, err)
	})

	t.Run("Validate invalid token string", func(t *testing.T) {
		_, err := ValidateToken("invalid-token-string", secret, issuer)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse token")
	})

	t.Run("Validate empty token", func(t *testing.T) {
		_, err := ValidateToken("", secret, issuer)
		assert.Error(t, err)
	})
}

func TestIsStaffRole(t *testing.T) {
	t.Run("Staff and admin may act on pending accounts", func(t *testing.T) {
		assert.True(t, IsStaffRole(RoleStaff))
		assert.True(t, IsStaffRole(RoleAdmin))
	})

	t.Run("Other roles may not", func(t *testing.T) {
		assert.False(t, IsStaffRole("user"))
		assert.False(t, IsStaffRole(""))
	})
}
