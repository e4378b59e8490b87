package atheneum

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// Password hashing parameters. A single PBKDF2 iteration is a legacy of the
// original deployment's stored records; raising it would invalidate every
// existing credential, so changing any of these requires a rehash migration.
const (
	hashIterations = 1
	hashKeyLength  = 32
)

// NewPasswordSalt generates a fresh per-credential salt.
func NewPasswordSalt() string {
	id, _ := uuid.NewRandom()
	return id.String()
}

// HashPassword derives the stored hex digest for a password and salt.
func HashPassword(password, salt string) string {
	derived := pbkdf2.Key([]byte(password), []byte(salt), hashIterations, hashKeyLength, sha512.New)
	return hex.EncodeToString(derived)
}

// VerifyPassword re-derives the digest for a candidate password and compares
// it to the stored hash in constant time.
func VerifyPassword(password, salt, storedHash string) bool {
	derived := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedHash)) == 1
}
