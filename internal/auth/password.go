package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for {CRYPT} hashes
	BcryptCost = 12

	// SchemeSSHA stores salted SHA-1 hashes, understood by every directory server
	SchemeSSHA = "ssha"
	// SchemeCrypt stores bcrypt hashes behind the {CRYPT} prefix
	SchemeCrypt = "crypt"

	// StrongPasswordLength is the length at which no character classes are required
	StrongPasswordLength = 20

	saltSize       = 8
	randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// HashDirectoryPassword produces a userPassword value in the given scheme
func HashDirectoryPassword(scheme, password string) (string, error) {
	switch scheme {
	case SchemeSSHA, "":
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		return "{SSHA}" + base64.StdEncoding.EncodeToString(append(sshaDigest(password, salt), salt...)), nil
	case SchemeCrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password: %w", err)
		}
		return "{CRYPT}" + string(hash), nil
	default:
		return "", fmt.Errorf("unsupported password scheme: %s", scheme)
	}
}

func sshaDigest(password string, salt []byte) []byte {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write(salt)
	return h.Sum(nil)
}

// VerifyDirectoryPassword reports whether password matches a stored
// userPassword value. {SSHA}, {SHA} and {CRYPT} (bcrypt) are understood.
func VerifyDirectoryPassword(stored, password string) bool {
	scheme, value, ok := splitScheme(stored)
	if !ok {
		return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
	}

	switch scheme {
	case "SSHA":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil || len(raw) <= sha1.Size {
			return false
		}
		digest, salt := raw[:sha1.Size], raw[sha1.Size:]
		return subtle.ConstantTimeCompare(digest, sshaDigest(password, salt)) == 1
	case "SHA":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return false
		}
		sum := sha1.Sum([]byte(password))
		return bytes.Equal(raw, sum[:])
	case "CRYPT":
		return bcrypt.CompareHashAndPassword([]byte(value), []byte(password)) == nil
	default:
		return false
	}
}

func splitScheme(stored string) (string, string, bool) {
	if !strings.HasPrefix(stored, "{") {
		return "", "", false
	}
	end := strings.IndexByte(stored, '}')
	if end < 0 {
		return "", "", false
	}
	return strings.ToUpper(stored[1:end]), stored[end+1:], true
}

// RandomPassword returns n characters drawn from letters and digits
func RandomPassword(n int) (string, error) {
	limit := big.NewInt(int64(len(randomAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		b.WriteByte(randomAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// CheckComplexity validates a new password. Passwords of StrongPasswordLength
// characters or more are accepted as-is; shorter ones need a lowercase letter,
// an uppercase letter, a digit and a symbol.
func CheckComplexity(password string, maxLength int) error {
	length := len([]rune(password))
	if length == 0 {
		return fmt.Errorf("password must not be empty")
	}
	if maxLength > 0 && length > maxLength {
		return fmt.Errorf("password must be at most %d characters long", maxLength)
	}
	if length >= StrongPasswordLength {
		return nil
	}

	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case r != '_' && !unicode.IsLetter(r) && !unicode.IsNumber(r):
			hasSymbol = true
		}
	}

	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasDigit {
		return fmt.Errorf("password must contain at least one number")
	}
	if !hasSymbol {
		return fmt.Errorf("password must contain at least one symbol")
	}

	return nil
}
