package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/secrets"
)

// DefaultMaxAge is how long a record stays servable after its last use.
const DefaultMaxAge = 24 * time.Hour

// Store encrypts credentials into a Backend and enforces the read rules:
// only active, decryptable, valid, fresh records are served.
type Store struct {
	backend Backend
	cipher  *secrets.Cipher
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge overrides DefaultMaxAge. Non-positive values are ignored.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore wraps backend. A nil cipher behaves like one without a key.
func NewStore(backend Backend, cipher *secrets.Cipher, opts ...Option) *Store {
	if cipher == nil {
		cipher = secrets.NewCipher("")
	}
	s := &Store{
		backend: backend,
		cipher:  cipher,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAge returns the configured freshness window.
func (s *Store) MaxAge() time.Duration { return s.maxAge }

// Load returns the account's credential. Every reason the record cannot be
// served is an error; ErrNotFound (and its kinds ErrAgeExpired and
// ErrInactive) mean there is simply nothing usable.
func (s *Store) Load(ctx context.Context, accountID string) (credential.Credential, error) {
	rec, err := s.backend.Get(ctx, StorageKey(accountID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential for %s: %w", accountID, err)
	}

	if rec.Ciphertext == "" {
		return nil, ErrNotFound
	}
	if rec.Status != credential.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrInactive, rec.Status)
	}

	plaintext, err := s.cipher.Decrypt(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential for %s: %w", accountID, err)
	}

	var c credential.Credential
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if err := credential.Validate(c); err != nil {
		return nil, err
	}

	if age := s.now().Sub(rec.LastUsedAt); age > s.maxAge {
		return nil, fmt.Errorf("%w: last used %s ago", ErrAgeExpired, age.Round(time.Second))
	}

	return c, nil
}

// Save stores c as the account's active credential. Invalid credentials
// and cipher failures are refused before anything is written.
func (s *Store) Save(ctx context.Context, accountID string, c credential.Credential) error {
	if err := credential.Validate(c); err != nil {
		return fmt.Errorf("refusing to save credential: %w", err)
	}

	plaintext, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize credential: %w", err)
	}

	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	now := s.now()
	rec := Record{
		Key:        StorageKey(accountID),
		AccountID:  accountID,
		Ciphertext: ciphertext,
		Status:     credential.StatusActive,
		LastUsedAt: now,
		UpdatedAt:  now,
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("save credential for %s: %w", accountID, err)
	}

	s.logger.DebugContext(ctx, "credential saved to remote store", "account", accountID)
	return nil
}

// UpdateStatus records a state change and bumps the last-used time. The
// credential itself is left untouched.
func (s *Store) UpdateStatus(ctx context.Context, accountID string, status credential.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if err := s.backend.UpdateStatus(ctx, StorageKey(accountID), accountID, status, s.now()); err != nil {
		return fmt.Errorf("update status for %s: %w", accountID, err)
	}
	return nil
}

// Delete removes the account's record.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	if err := s.backend.Delete(ctx, StorageKey(accountID)); err != nil {
		return fmt.Errorf("delete credential for %s: %w", accountID, err)
	}
	return nil
}

// ListAll summarizes every stored record, ordered by account.
func (s *Store) ListAll(ctx context.Context) ([]Summary, error) {
	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Summary{
			AccountID:  rec.AccountID,
			Status:     rec.Status,
			LastUsedAt: rec.LastUsedAt,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	return out, nil
}

// Status reports record metadata without decrypting anything.
func (s *Store) Status(ctx context.Context, accountID string) (StatusInfo, error) {
	rec, err := s.backend.Get(ctx, StorageKey(accountID))
	if errors.Is(err, ErrNotFound) {
		return StatusInfo{}, nil
	}
	if err != nil {
		return StatusInfo{}, fmt.Errorf("status for %s: %w", accountID, err)
	}
	return StatusInfo{
		Exists:     true,
		Status:     rec.Status,
		LastUsedAt: rec.LastUsedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// Close releases the backend.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
