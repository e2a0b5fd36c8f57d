// Package remote is the authoritative credential tier: an encrypted record
// per account plus status metadata, kept in a shared key-value backend.
package remote

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/semmy-space/credkeep/internal/credential"
)

var (
	// ErrNotFound means there is no usable record for the account.
	ErrNotFound = errors.New("credential not found")
	// ErrAgeExpired is a record older than the store's max age. It is a
	// kind of ErrNotFound.
	ErrAgeExpired = wrapNotFound("credential older than max age")
	// ErrInactive is a record whose status is not active.
	ErrInactive = wrapNotFound("credential not active")
	// ErrCorrupt is a record that decrypted but did not parse.
	ErrCorrupt = errors.New("credential record corrupt")
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }
func (e *notFoundError) Unwrap() error { return ErrNotFound }

func wrapNotFound(msg string) error { return &notFoundError{msg: msg} }

// Record is one stored credential as the backend sees it. Ciphertext is the
// hex output of secrets.Cipher and is empty for status-only records.
type Record struct {
	Key        string
	AccountID  string
	Ciphertext string
	Status     credential.Status
	LastUsedAt time.Time
	UpdatedAt  time.Time
}

// Summary describes a record without its credential.
type Summary struct {
	AccountID  string            `json:"account_id"`
	Status     credential.Status `json:"status"`
	LastUsedAt time.Time         `json:"last_used_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// StatusInfo answers "is there a record and what state is it in".
type StatusInfo struct {
	Exists     bool              `json:"exists"`
	Status     credential.Status `json:"status,omitempty"`
	LastUsedAt time.Time         `json:"last_used_at,omitzero"`
	UpdatedAt  time.Time         `json:"updated_at,omitzero"`
}

// Backend is the key-value storage under a Store. Every write is a single
// atomic statement. Get returns ErrNotFound for a missing key; Delete of a
// missing key is not an error.
type Backend interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// UpdateStatus sets status, last-used and updated times without touching
	// the ciphertext, creating a status-only record if none exists.
	UpdateStatus(ctx context.Context, key, accountID string, status credential.Status, at time.Time) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Record, error)
	Close(ctx context.Context) error
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// StorageKey maps an account id onto the backend key.
func StorageKey(accountID string) string {
	return unsafeKeyChars.ReplaceAllString(accountID, "_")
}
