package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/99designs/keyring"
	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/credential/credentialtest"
	"github.com/semmy-space/credkeep/internal/generator"
	"github.com/semmy-space/credkeep/internal/output"
	"github.com/semmy-space/credkeep/internal/probe"
	"github.com/semmy-space/credkeep/internal/secrets"
)

const testAccount = "bot@example.com"

// env is an isolated credkeep installation: config file, state paths,
// secrets store and fake login and probe endpoints.
type env struct {
	t         *testing.T
	dir       string
	config    string
	store     secrets.Store
	generated atomic.Int32
	probed    atomic.Int32
	healthy   atomic.Bool
}

func newEnv(t *testing.T, backend string) *env {
	t.Helper()

	// Runs after the variables below are restored.
	t.Cleanup(xdg.Reload)
	base := t.TempDir()
	for _, name := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_STATE_HOME", "XDG_CACHE_HOME"} {
		t.Setenv(name, filepath.Join(base, strings.ToLower(name)))
	}
	xdg.Reload()

	for _, name := range []string{"CREDKEEP_ACCOUNT_ID", "CREDKEEP_ENCRYPT_KEY", "CREDKEEP_REMOTE_BACKEND", "CREDKEEP_OUTPUT"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	e := &env{
		t:     t,
		dir:   t.TempDir(),
		store: secrets.NewKeyringStoreWith(keyring.NewArrayKeyring(nil)),
	}
	e.healthy.Store(true)
	require.NoError(t, e.store.Set(secrets.PasswordKey(testAccount), "hunter2"))

	gen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := e.generated.Add(1)
		c := credentialtest.Valid("gen" + string(rune('0'+n)))
		cookies := make([]map[string]string, len(c))
		for i, item := range c {
			cookies[i] = map[string]string{"key": item.Key, "value": item.Value, "domain": item.Domain, "path": item.Path}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": r.URL.Query().Get("pass") == "hunter2",
			"data":   map[string]any{"session_cookies": cookies},
		})
	}))
	t.Cleanup(gen.Close)

	prb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.probed.Add(1)
		if !e.healthy.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"100","name":"Bot"}`))
	}))
	t.Cleanup(prb.Close)

	cfg := map[string]any{
		"account_id":     testAccount,
		"cache_path":     filepath.Join(e.dir, "state", "credential.json"),
		"lock_dir":       filepath.Join(e.dir, "locks"),
		"remote_backend": backend,
		"sqlite_path":    filepath.Join(e.dir, "credentials.db"),
		"encrypt_key":    "test-key",
		"generator_url":  gen.URL,
		"probe_url":      prb.URL,
		"retry_delay":    "10ms",
		"max_retries":    2,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	e.config = filepath.Join(e.dir, "config.json5")
	require.NoError(t, os.WriteFile(e.config, data, 0600))

	return e
}

// result is one CLI invocation.
type result struct {
	stdout string
	stderr string
	err    error
}

func (r result) code() int { return output.ExitCode(r.err) }

// run executes args as main would, with stdin as the piped input.
func (e *env) run(stdin string, args ...string) result {
	e.t.Helper()

	var stdout, stderr bytes.Buffer
	root := &CLI{
		configure: func(rt *Runtime) {
			e.wire(rt)
			rt.stdin = strings.NewReader(stdin)
		},
	}

	parser, err := kong.New(root,
		kong.Name("credkeep"),
		kong.Vars{"version": "test"},
		kong.Writers(&stdout, &stderr),
		kong.Exit(func(int) {}),
	)
	require.NoError(e.t, err)

	all := append([]string{"--config", e.config, "--output", "json", "--no-input"}, args...)
	ctx, err := parser.Parse(all)
	if err == nil {
		ctx.BindTo(context.Background(), (*context.Context)(nil))
		err = ctx.Run()
	}

	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// wire points rt at the test secrets store and removes outbound pacing.
func (e *env) wire(rt *Runtime) {
	rt.openSecrets = func() (secrets.Store, error) { return e.store, nil }
	rt.genOpts = []generator.Option{generator.WithLimiter(nil)}
	rt.probeOpts = []probe.Option{probe.WithLimiter(nil)}
}

// runtime builds a Runtime from the env config for calling commands directly.
func (e *env) runtime() *Runtime {
	e.t.Helper()

	cfg, err := config.LoadFrom(e.config)
	require.NoError(e.t, err)
	settings, err := cfg.Settings()
	require.NoError(e.t, err)

	rt := NewRuntime(cfg, &Globals{}, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.wire(rt)
	return rt
}

// decode unmarshals the JSON stdout of r into v.
func decode(t *testing.T, r result, v any) {
	t.Helper()
	require.NoError(t, r.err, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), v), r.stdout)
}
