package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/semmy-space/credkeep/internal/audit"
	"github.com/semmy-space/credkeep/internal/cache"
	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/generator"
	"github.com/semmy-space/credkeep/internal/lifecycle"
	"github.com/semmy-space/credkeep/internal/output"
	"github.com/semmy-space/credkeep/internal/probe"
	"github.com/semmy-space/credkeep/internal/remote"
	"github.com/semmy-space/credkeep/internal/secrets"
)

// StorePasswordEnv protects the encrypted-file secrets backend.
const StorePasswordEnv = "CREDKEEP_STORE_PASSWORD"

// Runtime lazily creates and caches the components commands share.
type Runtime struct {
	cfg      *config.Config
	globals  *Globals
	settings config.Settings
	logger   *slog.Logger
	sink     audit.Sink

	// Replaced in tests to avoid the OS keyring and outbound pacing.
	openSecrets func() (secrets.Store, error)
	stdin       io.Reader
	genOpts     []generator.Option
	probeOpts   []probe.Option

	secretsOnce sync.Once
	store       secrets.Store
	storeErr    error

	remoteOnce sync.Once
	remote     *remote.Store
	remoteErr  error

	managerOnce sync.Once
	manager     *lifecycle.Manager
	managerErr  error

	localMu sync.Mutex
	locals  map[string]*cache.File
}

// NewRuntime creates a Runtime. Nothing is opened until first use.
func NewRuntime(cfg *config.Config, globals *Globals, settings config.Settings, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		globals:  globals,
		settings: settings,
		logger:   logger,
		sink:     audit.NewLogSink(logger),
		openSecrets: func() (secrets.Store, error) {
			store, _, err := secrets.NewStore(os.Getenv(StorePasswordEnv))
			return store, err
		},
		stdin:  os.Stdin,
		locals: make(map[string]*cache.File),
	}
}

// AccountID returns the --account flag, falling back to config account_id.
func (rt *Runtime) AccountID() (string, error) {
	if rt.globals != nil && rt.globals.Account != "" {
		return rt.globals.Account, nil
	}
	if rt.cfg.AccountID != "" {
		return rt.cfg.AccountID, nil
	}
	return "", output.NewCLIError(output.ExitConfigError, "No account selected").
		WithHint("Pass --account or run: credkeep config set account_id <id>")
}

// Secrets returns the login-material store, opening it on first call.
func (rt *Runtime) Secrets() (secrets.Store, error) {
	rt.secretsOnce.Do(func() {
		store, err := rt.openSecrets()
		if err != nil {
			rt.storeErr = output.Wrap(output.ExitGeneral, err, "Failed to initialize secrets store")
			return
		}
		rt.store = store
	})
	return rt.store, rt.storeErr
}

// cipher resolves the record encryption key: config or CREDKEEP_ENCRYPT_KEY
// first, then the secrets store.
func (rt *Runtime) cipher() *secrets.Cipher {
	if rt.cfg.EncryptKey != "" {
		return secrets.NewCipher(rt.cfg.EncryptKey)
	}

	store, err := rt.Secrets()
	if err == nil {
		key, err := store.Get(secrets.EncryptKeyName)
		if err == nil {
			return secrets.NewCipher(key)
		}
		if !errors.Is(err, secrets.ErrNotFound) {
			rt.logger.Warn("failed to read encryption key from secrets store", "error", err)
		}
	}

	rt.logger.Warn("no encryption key configured, remote credentials cannot be read or written",
		"hint", "credkeep secret set encrypt-key")
	return secrets.NewCipher("")
}

// Remote returns the remote store for the configured backend.
func (rt *Runtime) Remote(ctx context.Context) (*remote.Store, error) {
	rt.remoteOnce.Do(func() {
		backend, err := rt.openBackend(ctx)
		if err != nil {
			rt.remoteErr = output.Wrap(output.ExitUnavailable, err, "Failed to open remote store").
				WithHint("Check remote_backend and its connection settings: credkeep config list")
			return
		}
		rt.remote = remote.NewStore(backend, rt.cipher(),
			remote.WithMaxAge(rt.settings.MaxAge),
			remote.WithLogger(rt.logger),
		)
	})
	return rt.remote, rt.remoteErr
}

func (rt *Runtime) openBackend(ctx context.Context) (remote.Backend, error) {
	info, err := config.GetBackend(rt.cfg.RemoteBackend)
	if err != nil {
		return nil, err
	}

	switch info.Name {
	case "memory":
		rt.logger.Warn("using in-memory remote store, credentials are lost on exit")
		return remote.NewMemory(), nil
	case "mongo":
		return remote.OpenMongo(ctx, rt.cfg.MongoURI, rt.cfg.MongoDatabase, rt.cfg.MongoCollection)
	default:
		path := rt.cfg.SQLitePath
		if path == "" {
			path = filepath.Join(config.DataDir(), "credentials.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return remote.OpenSQLite(path)
	}
}

// LocalPath is the local credential file for accountID. The configured
// cache_path belongs to the configured account; others get a file under the
// state directory.
func (rt *Runtime) LocalPath(accountID string) string {
	if rt.cfg.CachePath != "" && accountID == rt.cfg.AccountID {
		return rt.cfg.CachePath
	}
	return filepath.Join(config.StateDir(), "accounts", remote.StorageKey(accountID)+".json")
}

// Local returns the cache file for accountID. The same *cache.File is
// returned for repeated calls so watchers can tell its writes apart.
func (rt *Runtime) Local(accountID string) *cache.File {
	rt.localMu.Lock()
	defer rt.localMu.Unlock()

	if f, ok := rt.locals[accountID]; ok {
		return f
	}
	f := cache.New(rt.LocalPath(accountID), rt.logger)
	rt.locals[accountID] = f
	return f
}

func (rt *Runtime) lockDir() string {
	if rt.cfg.LockDir != "" {
		return rt.cfg.LockDir
	}
	return filepath.Join(config.StateDir(), "locks")
}

// loginSecret reads the generator login material for accountID. The
// password is required; the two-factor seed is optional.
func (rt *Runtime) loginSecret(_ context.Context, accountID string) (credential.Secret, error) {
	store, err := rt.Secrets()
	if err != nil {
		return credential.Secret{}, err
	}

	password, err := store.Get(secrets.PasswordKey(accountID))
	if err != nil {
		return credential.Secret{}, fmt.Errorf("password for %s: %w", accountID, err)
	}

	otp, err := store.Get(secrets.OTPKey(accountID))
	if err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return credential.Secret{}, fmt.Errorf("two-factor seed for %s: %w", accountID, err)
	}

	return credential.Secret{Password: password, OTPKey: otp}, nil
}

// Manager returns the lifecycle manager wired to every tier.
func (rt *Runtime) Manager(ctx context.Context) (*lifecycle.Manager, error) {
	rt.managerOnce.Do(func() {
		// A remote store that cannot be opened is a tier that is down, not
		// a reason to ignore the local credential or skip regeneration.
		store, err := rt.Remote(ctx)
		if err != nil {
			rt.logger.Warn("remote store unavailable, continuing without it", "error", err)
			store = remote.NewStore(remote.NewUnavailable(err), rt.cipher(),
				remote.WithMaxAge(rt.settings.MaxAge),
				remote.WithLogger(rt.logger),
			)
		}

		genOpts := append([]generator.Option{
			generator.WithToken(rt.cfg.GeneratorToken),
			generator.WithTimeout(rt.settings.GeneratorTimeout),
			generator.WithLogger(rt.logger),
		}, rt.genOpts...)
		gen, err := generator.New(rt.cfg.GeneratorURL, genOpts...)
		if err != nil {
			rt.managerErr = output.Wrap(output.ExitConfigError, err, "Credential generator not configured").
				WithHint("Run: credkeep config set generator_url <url>")
			return
		}

		prober := probe.New(append([]probe.Option{
			probe.WithURL(rt.cfg.ProbeURL),
			probe.WithUserAgent(rt.cfg.UserAgent),
			probe.WithTimeout(rt.settings.ProbeTimeout),
			probe.WithLogger(rt.logger),
		}, rt.probeOpts...)...)

		mgr, err := lifecycle.NewManager(lifecycle.Config{
			Prober:    prober,
			Generator: gen,
			Remote:    store,
			Local: func(accountID string) lifecycle.LocalCache {
				return rt.Local(accountID)
			},
			Secrets:    rt.loginSecret,
			Audit:      rt.sink,
			Logger:     rt.logger,
			MaxRetries: rt.settings.MaxRetries,
			RetryDelay: rt.settings.RetryDelay,
			LockDir:    rt.lockDir(),
		})
		if err != nil {
			rt.managerErr = output.Wrap(output.ExitGeneral, err, "Failed to create credential manager")
			return
		}
		rt.manager = mgr
	})
	return rt.manager, rt.managerErr
}

// Close releases the remote store connection, if one was opened.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.remote == nil {
		return nil
	}
	return rt.remote.Close(ctx)
}
