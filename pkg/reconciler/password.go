package reconciler

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes local passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// BcryptHasher implements PasswordHasher with bcrypt. Zero Cost means
// bcrypt.DefaultCost.
type BcryptHasher struct {
	Cost int
}

// Hash implements PasswordHasher.Hash
func (h BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// unusablePassword hashes a random secret nobody knows. Users created by a
// remote login can only log in through the provider.
func unusablePassword(h PasswordHasher) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password placeholder: %w", err)
	}
	return h.Hash(base64.RawURLEncoding.EncodeToString(buf))
}
