package atheneum

import (
	"testing"
)

func TestHashRoundTrip(t *testing.T) {
	salt := NewPasswordSalt()
	hash := HashPassword("correct horse battery staple", salt)
	if len(hash) != hashKeyLength*2 {
		t.Fatalf("Hash should be %v hex characters, got %v", hashKeyLength*2, len(hash))
	}
	if hash != HashPassword("correct horse battery staple", salt) {
		t.Errorf("Hashing must be deterministic for a fixed salt")
	}
	if !VerifyPassword("correct horse battery staple", salt, hash) {
		t.Errorf("Correct password must verify")
	}
	if VerifyPassword("wrong password", salt, hash) {
		t.Errorf("Wrong password must not verify")
	}
	if VerifyPassword("correct horse battery staple", NewPasswordSalt(), hash) {
		t.Errorf("Wrong salt must not verify")
	}
}

func TestHashSaltUniqueness(t *testing.T) {
	if NewPasswordSalt() == NewPasswordSalt() {
		t.Errorf("Salts must not repeat")
	}
	// Equal passwords under different salts hash differently
	a := HashPassword("password", NewPasswordSalt())
	b := HashPassword("password", NewPasswordSalt())
	if a == b {
		t.Errorf("Distinct salts must produce distinct hashes")
	}
}

func TestHashEmptyPasswordNeverVerifies(t *testing.T) {
	// Federated principals carry an empty stored hash. Nothing verifies
	// against it, including the empty password itself.
	if VerifyPassword("", "some-salt", "") {
		t.Errorf("Empty password must not verify against an empty hash")
	}
	if VerifyPassword("anything", "some-salt", "") {
		t.Errorf("No password verifies against an empty hash")
	}
}
