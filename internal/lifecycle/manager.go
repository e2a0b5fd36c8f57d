// Package lifecycle keeps a working credential available for each account.
//
// The Manager reads the local tier, then the remote tier, and regenerates
// when neither holds a usable credential. Regeneration is bounded, runs at
// most once per account at a time across goroutines and processes, and is
// the only path that can fail fatally.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/semmy-space/credkeep/internal/audit"
	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/probe"
	"github.com/semmy-space/credkeep/internal/remote"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 30 * time.Second
	DefaultLockTimeout = 5 * time.Minute
)

// Prober checks that a credential still authenticates.
type Prober interface {
	Probe(ctx context.Context, c credential.Credential) probe.Result
}

// Generator produces a new credential from login material.
type Generator interface {
	Generate(ctx context.Context, accountID string, secret credential.Secret) (credential.Credential, error)
}

// RemoteStore is the authoritative tier. Load returns an error wrapping
// remote.ErrNotFound when nothing usable is stored.
type RemoteStore interface {
	Load(ctx context.Context, accountID string) (credential.Credential, error)
	Save(ctx context.Context, accountID string, c credential.Credential) error
	UpdateStatus(ctx context.Context, accountID string, status credential.Status) error
	Delete(ctx context.Context, accountID string) error
}

// LocalCache is the fast tier for one account.
type LocalCache interface {
	Read() (credential.Credential, bool)
	Write(c credential.Credential) error
	Delete() error
}

// LocalResolver returns the local cache for an account, or nil when the
// account has no local tier.
type LocalResolver func(accountID string) LocalCache

// SecretFunc looks up the login material for an account.
type SecretFunc func(ctx context.Context, accountID string) (credential.Secret, error)

// ReplacedFunc is called after a new credential replaced the old one.
type ReplacedFunc func(accountID string, c credential.Credential)

// Config wires a Manager. Prober, Generator and Remote are required.
type Config struct {
	Prober    Prober
	Generator Generator
	Remote    RemoteStore
	Local     LocalResolver
	Secrets   SecretFunc
	Audit     audit.Sink
	Logger    *slog.Logger

	// MaxRetries is the number of generation attempts per regeneration.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// LockDir holds the per-account lock files. Empty disables
	// cross-process locking.
	LockDir string
	// LockTimeout bounds the wait for another process's regeneration.
	LockTimeout time.Duration
}

// Manager is the credential lifecycle orchestrator.
type Manager struct {
	cfg    Config
	sink   audit.Sink
	logger *slog.Logger
	group  singleflight.Group

	// inflight counts regenerations, including ones whose callers have
	// stopped waiting.
	inflight sync.WaitGroup

	mu       sync.Mutex
	attempts map[string]int
	hooks    []ReplacedFunc
}

// NewManager validates cfg and fills in defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Prober == nil {
		return nil, errors.New("lifecycle: prober is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("lifecycle: generator is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("lifecycle: remote store is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:      cfg,
		sink:     audit.Safe(cfg.Audit),
		logger:   cfg.Logger,
		attempts: make(map[string]int),
	}, nil
}

// MaxRetries returns the configured attempt limit.
func (m *Manager) MaxRetries() int { return m.cfg.MaxRetries }

// Attempt returns the attempt number of the running or last failed
// regeneration for accountID, 0 after a success.
func (m *Manager) Attempt(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[accountID]
}

// Wait blocks until every regeneration started so far has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// OnReplaced registers fn to run after every successful replacement.
func (m *Manager) OnReplaced(fn ReplacedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// GetCredential returns a usable credential, regenerating only when
// neither tier has one. Only a FatalError is returned for regeneration
// failures; tier problems are logged and skipped.
func (m *Manager) GetCredential(ctx context.Context, accountID string) (credential.Credential, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	if c, ok := m.readLocal(ctx, accountID); ok {
		return c, nil
	}

	if c, ok := m.readRemote(ctx, accountID); ok {
		m.writeLocal(ctx, accountID, c)
		return c, nil
	}

	return m.regenerate(ctx, accountID, "no_credential", nil)
}

// RefreshCredential replaces the credential regardless of its state.
func (m *Manager) RefreshCredential(ctx context.Context, accountID string) (credential.Credential, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	return m.regenerate(ctx, accountID, "refresh", nil)
}

// ReportFailure is called by the messaging client when the credential it
// was given stopped working. The stored credential is marked failed and
// dropped locally before a replacement is generated. A report that arrives
// while a replacement is already running joins it instead.
func (m *Manager) ReportFailure(ctx context.Context, accountID, reason string) (credential.Credential, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	m.logger.WarnContext(ctx, "credential reported as failing", audit.KeyAccount, accountID, audit.KeyReason, reason)
	m.emit(ctx, audit.ActionReportFailure, accountID, audit.StatusOK, map[string]any{"reason": reason})

	return m.regenerate(ctx, accountID, "reported_failure", &staleCredential{})
}

// Delete removes the credential from both tiers.
func (m *Manager) Delete(ctx context.Context, accountID string) error {
	var errs []error

	if local := m.local(accountID); local != nil {
		if err := local.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("local: %w", err))
		}
	}
	if err := m.cfg.Remote.Delete(ctx, accountID); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	err := errors.Join(errs...)
	status := audit.StatusOK
	if err != nil {
		status = audit.StatusFailed
	}
	m.emit(ctx, audit.ActionDelete, accountID, status, nil)
	return err
}

// CheckResult describes one CheckAndFix pass.
type CheckResult struct {
	AccountID   string    `json:"account_id"`
	Source      string    `json:"source"`
	Healthy     bool      `json:"healthy"`
	Reason      string    `json:"reason,omitempty"`
	Regenerated bool      `json:"regenerated"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Credential sources reported in CheckResult.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
	SourceNone   = "none"
)

// CheckAndFix probes the current credential and replaces it when it does
// not work or does not exist. A healthy credential gets a status heartbeat
// so its remote record does not age out.
func (m *Manager) CheckAndFix(ctx context.Context, accountID string) (CheckResult, error) {
	res := CheckResult{AccountID: accountID, Source: SourceNone, CheckedAt: time.Now().UTC()}

	c, ok := m.readLocal(ctx, accountID)
	if ok {
		res.Source = SourceLocal
	} else if c, ok = m.readRemote(ctx, accountID); ok {
		res.Source = SourceRemote
		m.writeLocal(ctx, accountID, c)
	}

	if !ok {
		res.Reason = "no_credential"
		res.Regenerated = true
		_, err := m.regenerate(ctx, accountID, res.Reason, nil)
		return res, err
	}

	pr := m.cfg.Prober.Probe(ctx, c)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	m.emit(ctx, audit.ActionProbe, accountID, probeStatus(pr), map[string]any{"reason": pr.Reason, "source": res.Source})
	res.Healthy = pr.Healthy
	res.Reason = pr.Reason

	if pr.Healthy {
		m.setStatus(ctx, accountID, credential.StatusActive)
		return res, nil
	}

	m.logger.WarnContext(ctx, "credential unhealthy, replacing", audit.KeyAccount, accountID, audit.KeyReason, pr.Reason)

	res.Regenerated = true
	_, err := m.regenerate(ctx, accountID, pr.Reason, &staleCredential{cred: c})
	return res, err
}

// staleCredential is a credential a caller found unusable. A nil cred
// means the caller could not say which one it was.
type staleCredential struct {
	cred credential.Credential
}

// regenerate runs one coalesced regeneration for accountID. Work continues
// when ctx is cancelled so a half-finished replacement is never abandoned;
// only this caller's wait ends. Manager.Wait covers the detached work.
//
// When stale is set and this caller starts the regeneration, the record is
// marked failed and the local copy dropped first, unless the stored
// credential is no longer the stale one.
func (m *Manager) regenerate(ctx context.Context, accountID, trigger string, stale *staleCredential) (credential.Credential, error) {
	m.inflight.Add(1)
	ch := m.group.DoChan(accountID, func() (any, error) {
		dctx := context.WithoutCancel(ctx)
		if stale != nil {
			if c, ok := m.superseded(dctx, accountID, stale.cred); ok {
				return c, nil
			}
			m.setStatus(dctx, accountID, credential.StatusFailed)
			m.deleteLocal(dctx, accountID)
		}
		return m.regenerateExclusive(dctx, accountID, trigger)
	})

	// Every caller's channel is sent on once the shared work ends.
	out := make(chan singleflight.Result, 1)
	go func() {
		defer m.inflight.Done()
		out <- <-ch
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(credential.Credential).Clone(), nil
	}
}

// superseded returns the current credential when a replacement already
// took the place of stale.
func (m *Manager) superseded(ctx context.Context, accountID string, stale credential.Credential) (credential.Credential, bool) {
	if len(stale) == 0 {
		return nil, false
	}

	c, ok := m.readLocal(ctx, accountID)
	if !ok {
		if c, ok = m.readRemote(ctx, accountID); ok {
			m.writeLocal(ctx, accountID, c)
		}
	}
	if !ok || c.Header() == stale.Header() {
		return nil, false
	}

	m.logger.InfoContext(ctx, "credential already replaced, keeping the new one", audit.KeyAccount, accountID)
	m.emit(ctx, audit.ActionRegenerateSuccess, accountID, audit.StatusSkipped, map[string]any{"reason": "already_replaced"})
	return c, true
}

// regenerateExclusive holds the account's cross-process lock around the
// retry loop.
func (m *Manager) regenerateExclusive(ctx context.Context, accountID, trigger string) (credential.Credential, error) {
	unlock, waited, err := m.lockAccount(ctx, accountID)
	if err != nil {
		m.logger.WarnContext(ctx, "regeneration lock unavailable, continuing without it", audit.KeyAccount, accountID, "error", err)
	} else {
		defer unlock()
	}

	if waited {
		// Another process held the lock; it has probably just saved a
		// replacement.
		if c, ok := m.readRemote(ctx, accountID); ok {
			m.logger.InfoContext(ctx, "adopted credential regenerated by another process", audit.KeyAccount, accountID)
			m.writeLocal(ctx, accountID, c)
			m.notifyReplaced(accountID, c)
			return c, nil
		}
	}

	return m.retryGenerate(ctx, accountID, trigger)
}

func (m *Manager) retryGenerate(ctx context.Context, accountID, trigger string) (credential.Credential, error) {
	m.logger.InfoContext(ctx, "regenerating credential", audit.KeyAccount, accountID, audit.KeyReason, trigger)

	var (
		attempt int
		result  credential.Credential
	)
	op := func() error {
		attempt++
		m.setAttempt(accountID, attempt)

		c, err := m.attempt(ctx, accountID, attempt)
		if err != nil {
			return err
		}
		result = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.logger.WarnContext(ctx, "regeneration attempt failed",
			audit.KeyAccount, accountID,
			audit.KeyAttempt, attempt,
			"max_attempts", m.cfg.MaxRetries,
			"retry_in", next,
			"error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryDelay), uint64(m.cfg.MaxRetries-1)),
		ctx,
	)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.logger.ErrorContext(ctx, "credential regeneration exhausted",
			audit.KeyAccount, accountID, audit.KeyAttempt, attempt, "error", err)
		m.setStatus(ctx, accountID, credential.StatusFailed)
		m.emit(ctx, audit.ActionRegenerateFailed, accountID, audit.StatusFailed, map[string]any{
			"attempts": attempt,
			"error":    err.Error(),
		})
		return nil, &FatalError{AccountID: accountID, Attempts: attempt, Err: err}
	}

	m.writeLocal(ctx, accountID, result)
	m.setAttempt(accountID, 0)
	m.emit(ctx, audit.ActionRegenerateSuccess, accountID, audit.StatusOK, map[string]any{"attempts": attempt})
	m.logger.InfoContext(ctx, "credential replaced", audit.KeyAccount, accountID, audit.KeyAttempt, attempt)
	m.notifyReplaced(accountID, result)

	return result, nil
}

// attempt is one generate, validate, probe, save cycle.
func (m *Manager) attempt(ctx context.Context, accountID string, n int) (credential.Credential, error) {
	m.emit(ctx, audit.ActionRegenerateAttempt, accountID, audit.StatusOK, map[string]any{"attempt": n})
	m.setStatus(ctx, accountID, credential.StatusReplacing)

	var secret credential.Secret
	if m.cfg.Secrets != nil {
		s, err := m.cfg.Secrets(ctx, accountID)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("login material unavailable: %w", err))
		}
		secret = s
	}

	c, err := m.cfg.Generator.Generate(ctx, accountID, secret)
	if err != nil {
		return nil, err
	}

	if err := credential.Validate(c); err != nil {
		m.logger.WarnContext(ctx, "generated credential rejected",
			audit.KeyAccount, accountID, audit.KeyAttempt, n, audit.KeyReason, credential.Reason(err))
		m.emit(ctx, audit.ActionValidateFailed, accountID, audit.StatusFailed, map[string]any{
			"reason": credential.Reason(err),
			"tier":   "generator",
		})
		return nil, err
	}

	pr := m.cfg.Prober.Probe(ctx, c)
	m.emit(ctx, audit.ActionProbe, accountID, probeStatus(pr), map[string]any{"reason": pr.Reason, "source": "generator"})
	if !pr.Healthy {
		return nil, fmt.Errorf("%w: %s", ErrProbeFailed, pr.Reason)
	}

	if err := m.cfg.Remote.Save(ctx, accountID, c); err != nil {
		// The credential works; losing the shared copy only costs other
		// processes a regeneration.
		m.logger.ErrorContext(ctx, "failed to save credential to remote store",
			audit.KeyAccount, accountID, audit.KeyTier, "remote", "error", err)
		m.emit(ctx, audit.ActionSaveRemote, accountID, audit.StatusFailed, map[string]any{"error": err.Error()})
	} else {
		m.emit(ctx, audit.ActionSaveRemote, accountID, audit.StatusOK, nil)
	}

	return c, nil
}

func (m *Manager) local(accountID string) LocalCache {
	if m.cfg.Local == nil {
		return nil
	}
	return m.cfg.Local(accountID)
}

func (m *Manager) readLocal(ctx context.Context, accountID string) (credential.Credential, bool) {
	local := m.local(accountID)
	if local == nil {
		return nil, false
	}

	c, ok := local.Read()
	if !ok {
		m.logger.DebugContext(ctx, "no local credential", audit.KeyAccount, accountID)
		return nil, false
	}

	if err := credential.Validate(c); err != nil {
		m.logger.WarnContext(ctx, "local credential invalid",
			audit.KeyAccount, accountID, audit.KeyTier, "local", audit.KeyReason, credential.Reason(err))
		m.emit(ctx, audit.ActionValidateFailed, accountID, audit.StatusFailed, map[string]any{
			"reason": credential.Reason(err),
			"tier":   "local",
		})
		return nil, false
	}

	m.emit(ctx, audit.ActionReadLocal, accountID, audit.StatusOK, nil)
	return c, true
}

func (m *Manager) readRemote(ctx context.Context, accountID string) (credential.Credential, bool) {
	c, err := m.cfg.Remote.Load(ctx, accountID)
	switch {
	case err == nil:
		m.emit(ctx, audit.ActionReadRemote, accountID, audit.StatusOK, nil)
		return c, true
	case errors.Is(err, remote.ErrNotFound):
		m.logger.DebugContext(ctx, "no usable remote credential", audit.KeyAccount, accountID, "detail", err)
	case errors.Is(err, credential.ErrInvalid):
		m.logger.WarnContext(ctx, "remote credential invalid",
			audit.KeyAccount, accountID, audit.KeyTier, "remote", audit.KeyReason, credential.Reason(err))
		m.emit(ctx, audit.ActionValidateFailed, accountID, audit.StatusFailed, map[string]any{
			"reason": credential.Reason(err),
			"tier":   "remote",
		})
	default:
		m.logger.WarnContext(ctx, "remote store unavailable",
			audit.KeyAccount, accountID, audit.KeyTier, "remote", "error", err)
		m.emit(ctx, audit.ActionReadRemote, accountID, audit.StatusFailed, map[string]any{"error": err.Error()})
	}
	return nil, false
}

func (m *Manager) writeLocal(ctx context.Context, accountID string, c credential.Credential) {
	local := m.local(accountID)
	if local == nil {
		return
	}
	if err := local.Write(c); err != nil {
		m.logger.WarnContext(ctx, "failed to write local credential",
			audit.KeyAccount, accountID, audit.KeyTier, "local", "error", err)
		m.emit(ctx, audit.ActionSaveLocal, accountID, audit.StatusFailed, map[string]any{"error": err.Error()})
		return
	}
	m.emit(ctx, audit.ActionSaveLocal, accountID, audit.StatusOK, nil)
}

func (m *Manager) deleteLocal(ctx context.Context, accountID string) {
	local := m.local(accountID)
	if local == nil {
		return
	}
	if err := local.Delete(); err != nil {
		m.logger.WarnContext(ctx, "failed to delete local credential",
			audit.KeyAccount, accountID, audit.KeyTier, "local", "error", err)
	}
}

func (m *Manager) setStatus(ctx context.Context, accountID string, status credential.Status) {
	err := m.cfg.Remote.UpdateStatus(ctx, accountID, status)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to update remote status",
			audit.KeyAccount, accountID, audit.KeyStatus, status.String(), "error", err)
		m.emit(ctx, audit.ActionStatusUpdate, accountID, audit.StatusFailed, map[string]any{"to": status.String()})
		return
	}
	m.emit(ctx, audit.ActionStatusUpdate, accountID, audit.StatusOK, map[string]any{"to": status.String()})
}

func (m *Manager) setAttempt(accountID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[accountID] = n
}

func (m *Manager) notifyReplaced(accountID string, c credential.Credential) {
	m.mu.Lock()
	hooks := make([]ReplacedFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(accountID, c.Clone())
	}
}

func (m *Manager) emit(ctx context.Context, action audit.Action, accountID, status string, details map[string]any) {
	m.sink.Emit(ctx, audit.NewEvent(action, accountID, status, details))
}

// lockAccount takes the per-account file lock. waited is true when another
// holder had it first.
func (m *Manager) lockAccount(ctx context.Context, accountID string) (unlock func(), waited bool, err error) {
	if m.cfg.LockDir == "" {
		return func() {}, false, nil
	}
	if err := os.MkdirAll(m.cfg.LockDir, 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(filepath.Join(m.cfg.LockDir, remote.StorageKey(accountID)+".lock"))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if locked {
		return func() { _ = lock.Unlock() }, false, nil
	}

	m.logger.InfoContext(ctx, "waiting for another process to finish regenerating", audit.KeyAccount, accountID)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()

	locked, err = lock.TryLockContext(waitCtx, 100*time.Millisecond)
	if err != nil {
		return nil, true, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, true, fmt.Errorf("failed to acquire lock: timeout")
	}
	return func() { _ = lock.Unlock() }, true, nil
}

func probeStatus(r probe.Result) string {
	if r.Healthy {
		return audit.StatusOK
	}
	return audit.StatusFailed
}
