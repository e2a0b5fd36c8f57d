package secrets

import (
	"errors"
	"strings"
)

// Store is the interface for login-material storage. It holds the secrets
// a generator needs and, optionally, the record encryption key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	List() ([]string, error)
}

// ErrNotFound is returned when a key is not found in the store
var ErrNotFound = errors.New("key not found")

// ServiceName is the service identifier for keyring storage
const ServiceName = "credkeep"

// EncryptKeyName is the store key holding the record encryption key when
// it is not supplied through config or environment.
const EncryptKeyName = "encrypt_key"

// PasswordKey is the store key for an account's login password.
func PasswordKey(accountID string) string {
	return "password_" + strings.ToLower(accountID)
}

// OTPKey is the store key for an account's two-factor seed.
func OTPKey(accountID string) string {
	return "otp_" + strings.ToLower(accountID)
}
