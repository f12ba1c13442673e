package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
	passwordHashPrefix     = "pbkdf2$"
)

// ErrPasswordRequired is returned when no password is configured.
var ErrPasswordRequired = errors.New("password is required")

// PasswordVerifier checks candidate passwords against the configured shared
// secret. The secret may be given in plain text or as a pbkdf2 string produced
// by HashPassword; plain text is hashed once at construction.
type PasswordVerifier struct {
	iterations int
	salt       []byte
	key        []byte
}

// NewPasswordVerifier parses the configured password.
func NewPasswordVerifier(configured string) (*PasswordVerifier, error) {
	if configured == "" {
		return nil, ErrPasswordRequired
	}
	encoded := configured
	if !strings.HasPrefix(configured, passwordHashPrefix) {
		hashed, err := HashPassword(configured)
		if err != nil {
			return nil, err
		}
		encoded = hashed
	}
	iterations, salt, key, err := parsePasswordHash(encoded)
	if err != nil {
		return nil, err
	}
	return &PasswordVerifier{iterations: iterations, salt: salt, key: key}, nil
}

// Verify reports whether candidate matches the configured password.
func (v *PasswordVerifier) Verify(candidate string) bool {
	if v == nil {
		return false
	}
	return subtle.ConstantTimeCompare(pbkdf2Key(candidate, v.salt, v.iterations), v.key) == 1
}

// HashPassword derives a pbkdf2$sha256$<iterations>$<salt>$<key> string that
// can be stored in configuration instead of the plain password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2Key(password, salt, passwordHashIterations)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func pbkdf2Key(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, passwordHashKeyLength, sha256.New)
}

func parsePasswordHash(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return 0, nil, nil, fmt.Errorf("parse password hash: invalid format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return 0, nil, nil, fmt.Errorf("parse password hash: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, fmt.Errorf("parse password hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse password hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) != passwordHashKeyLength {
		return 0, nil, nil, fmt.Errorf("parse password hash: invalid key")
	}
	return iterations, salt, key, nil
}
