package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost      = 12
	MinAdminKeySize = 16
	MaxAdminKeySize = 72
)

// HashAdminKey produces the bcrypt hash stored in AUTH_ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if err := ValidateAdminKey(key); err != nil {
		return "", err
	}

	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}

	return string(hashedBytes), nil
}

func CompareAdminKey(hashedKey, plainKey string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(plainKey))
	return err == nil
}

func ValidateAdminKey(key string) error {
	if len(key) < MinAdminKeySize {
		return fmt.Errorf("admin key must be at least %d characters long", MinAdminKeySize)
	}
	if len(key) > MaxAdminKeySize {
		return fmt.Errorf("admin key must not exceed %d characters", MaxAdminKeySize)
	}
	return nil
}
