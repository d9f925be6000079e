package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword hashes a password using Argon2id, encoded as "salt$hash".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification, so a failed login takes as long as a real check.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// isBcrypt reports whether encoded is a bcrypt hash ("$2a$", "$2b$", "$2y$").
func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

// VerifyPassword checks a password against an Argon2id hash produced by
// HashPassword, or against a bcrypt hash imported from an older deployment.
func VerifyPassword(password, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("auth: bcrypt: %w", err)
		}
	}

	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}
