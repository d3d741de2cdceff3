package directory

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const maxPasswordLength = 72

func normalizeBcryptCost(cost int) int {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return cost
}

func (s *Service) hashPassword(password string) (string, error) {
	if password == "" || len(password) > maxPasswordLength {
		return "", ErrInvalidInput
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// passwordMatches reports a mismatch as false and only surfaces malformed hashes as errors.
func passwordMatches(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
