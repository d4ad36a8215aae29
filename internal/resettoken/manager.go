// Package resettoken issues, checks and consumes the single-use password reset
// tokens kept in an account's description metadata.
package resettoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/account"
	"github.com/EDRN/biokey/internal/auth"
	"github.com/EDRN/biokey/internal/directory"
)

const (
	randomBytes = 32
	tokenBytes  = 16
)

// legacyTimeLayout is how older entries recorded reset times: no zone, meaning UTC
const legacyTimeLayout = "2006-01-02T15:04:05.999999"

// GenerateToken derives a fresh token from random bytes, the DN and the
// expiration time
func GenerateToken(dn string, expiration time.Time) (string, error) {
	buf := make([]byte, randomBytes, randomBytes+len(dn)+40)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	buf = append(buf, dn...)
	buf = append(buf, FormatTime(expiration)...)

	sum := sha256.Sum256(buf)
	return base64.URLEncoding.EncodeToString(sum[:tokenBytes]), nil
}

// FormatTime renders a reset time as stored in metadata
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored reset time
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized reset time %q", s)
	}
	return t, nil
}

// Manager issues and consumes reset tokens
type Manager struct {
	store  *account.Store
	scheme string
	logger *zap.Logger
}

// NewManager creates a manager hashing new passwords with scheme
func NewManager(store *account.Store, scheme string, logger *zap.Logger) *Manager {
	return &Manager{store: store, scheme: scheme, logger: logger}
}

// Issue stores a new token expiring at expiration in rec's description with a
// single replace, updates rec to match, and returns the token
func (m *Manager) Issue(ctx context.Context, target directory.Target, rec *account.Record, expiration time.Time) (string, error) {
	token, err := GenerateToken(rec.DN, expiration)
	if err != nil {
		return "", err
	}

	meta := rec.Metadata.
		With(account.FieldResetToken, token).
		With(account.FieldResetTime, FormatTime(expiration))

	description, err := m.store.ReplaceDescription(ctx, target, rec.DN, meta)
	if err != nil {
		return "", fmt.Errorf("failed to store reset token: %w", err)
	}
	rec.Description, rec.Metadata = description, meta

	m.logger.Info("Issued reset token",
		zap.String("dn", rec.DN),
		zap.Time("expires", expiration.UTC()),
	)
	return token, nil
}

// Validate checks presented against the token pending on rec at time now
func (m *Manager) Validate(rec *account.Record, presented string, now time.Time) error {
	token, hasToken := rec.Metadata.String(account.FieldResetToken)
	stamp, hasTime := rec.Metadata.String(account.FieldResetTime)
	if !hasToken || !hasTime || token == "" {
		return &TokenError{UID: rec.UID, Reason: ErrNoTokenPending}
	}

	expiration, err := ParseTime(stamp)
	if err != nil {
		m.logger.Warn("Unreadable reset time", zap.String("dn", rec.DN), zap.Error(err))
		return &TokenError{UID: rec.UID, Reason: ErrNoTokenPending}
	}
	if now.After(expiration) {
		return &TokenError{UID: rec.UID, Reason: ErrExpired}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) != 1 {
		return &TokenError{UID: rec.UID, Reason: ErrMismatch}
	}
	return nil
}

// Consume sets rec's password and clears any pending token in one modify.
// The modify only applies while the entry still has the description rec was
// read with, so a token validated against rec is spent at most once.
func (m *Manager) Consume(ctx context.Context, target directory.Target, rec *account.Record, newPassword string) error {
	hash, err := auth.HashDirectoryPassword(m.scheme, newPassword)
	if err != nil {
		return err
	}

	meta := rec.Metadata.Without(account.FieldResetToken, account.FieldResetTime)
	if err := m.store.SwapDescriptionAndPassword(ctx, target, rec.DN, rec.Description, meta, hash); err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}

	m.logger.Info("Password changed", zap.String("dn", rec.DN))
	return nil
}
