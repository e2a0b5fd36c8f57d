package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/credkeep/internal/cache"
	"github.com/semmy-space/credkeep/internal/credential/credentialtest"
	"github.com/semmy-space/credkeep/internal/lifecycle"
	"github.com/semmy-space/credkeep/internal/output"
	"github.com/semmy-space/credkeep/internal/secrets"
)

func TestVersion(t *testing.T) {
	e := newEnv(t, "memory")
	r := e.run("", "version")
	require.NoError(t, r.err)
	assert.Equal(t, "credkeep version test\n", r.stdout)
}

func TestGet_RegeneratesThenServesLocal(t *testing.T) {
	e := newEnv(t, "sqlite")

	first := e.run("", "get", "--header")
	require.NoError(t, first.err, first.stderr)
	assert.Contains(t, first.stdout, "c_user=gen1-c_user")
	assert.EqualValues(t, 1, e.generated.Load())
	assert.FileExists(t, filepath.Join(e.dir, "state", "credential.json"))

	second := e.run("", "get", "--header")
	require.NoError(t, second.err)
	assert.Equal(t, first.stdout, second.stdout)
	assert.EqualValues(t, 1, e.generated.Load(), "local tier should answer")
}

func TestGet_RemoteRefillsLocal(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "get").err)
	require.NoError(t, os.Remove(filepath.Join(e.dir, "state", "credential.json")))

	r := e.run("", "get", "--header")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "gen1")
	assert.EqualValues(t, 1, e.generated.Load())
	assert.FileExists(t, filepath.Join(e.dir, "state", "credential.json"))
}

func TestGet_LocalServedWhenRemoteCannotOpen(t *testing.T) {
	e := newEnv(t, "sqlite")
	local := cache.New(filepath.Join(e.dir, "state", "credential.json"), nil)
	require.NoError(t, local.Write(credentialtest.Valid("local")))
	// A directory where the database file should be cannot be opened.
	require.NoError(t, os.MkdirAll(filepath.Join(e.dir, "credentials.db"), 0700))

	r := e.run("", "get", "--header")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "c_user=local-c_user")
	assert.EqualValues(t, 0, e.generated.Load())
}

func TestGet_RegeneratesWhenRemoteCannotOpen(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, os.MkdirAll(filepath.Join(e.dir, "credentials.db"), 0700))

	r := e.run("", "get", "--header")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "gen1")
	assert.EqualValues(t, 1, e.generated.Load())
	assert.FileExists(t, filepath.Join(e.dir, "state", "credential.json"))

	// Commands that only talk to the remote tier still report it.
	assert.Equal(t, output.ExitUnavailable, e.run("", "status").code())
}

func TestGet_MasksValuesUnlessRevealed(t *testing.T) {
	e := newEnv(t, "memory")

	var masked struct {
		Data  []itemView `json:"data"`
		Count int        `json:"count"`
	}
	decode(t, e.run("", "get"), &masked)
	require.Equal(t, 4, masked.Count)
	assert.True(t, strings.HasPrefix(masked.Data[0].Value, "****"))

	var revealed struct {
		Data []itemView `json:"data"`
	}
	decode(t, e.run("", "get", "--reveal"), &revealed)
	assert.Len(t, revealed.Data[0].Value, 100)
}

func TestGet_FatalWhenLoginRejected(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, e.store.Set(secrets.PasswordKey(testAccount), "wrong"))

	r := e.run("", "get")
	assert.Equal(t, output.ExitFatal, r.code())
	assert.EqualValues(t, 2, e.generated.Load())
}

func TestGet_MissingPasswordIsFatalAfterOneAttempt(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, e.store.Delete(secrets.PasswordKey(testAccount)))

	r := e.run("", "get")
	assert.Equal(t, output.ExitFatal, r.code())
	assert.EqualValues(t, 0, e.generated.Load())
}

func TestGet_RequiresAccount(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, e.run("", "config", "unset", "account_id").err)

	r := e.run("", "get")
	assert.Equal(t, output.ExitConfigError, r.code())

	r = e.run("", "--account", testAccount, "get", "--header")
	assert.NoError(t, r.err)
}

func TestGet_RequiresGenerator(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, e.run("", "config", "unset", "generator_url").err)

	r := e.run("", "get")
	assert.Equal(t, output.ExitConfigError, r.code())
	assert.Contains(t, r.err.Error(), "generator_url")
}

func TestRefresh_AlwaysRegenerates(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, e.run("", "get").err)

	r := e.run("", "refresh", "--header")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "gen2")
	assert.Contains(t, r.stderr, "Replaced credential")
	assert.EqualValues(t, 2, e.generated.Load())
}

func TestReport_ReplacesCredential(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "get").err)

	r := e.run("", "report", "checkpoint", "--header")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "gen2")

	var st statusView
	decode(t, e.run("", "status"), &st)
	assert.Equal(t, "active", string(st.Status))
}

func TestCheck_HealthyAndUnhealthy(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "get").err)

	var res lifecycle.CheckResult
	decode(t, e.run("", "check"), &res)
	assert.True(t, res.Healthy)
	assert.False(t, res.Regenerated)
	assert.Equal(t, lifecycle.SourceLocal, res.Source)

	// Unhealthy credentials are replaced, and the replacement must probe
	// healthy too, so every attempt fails.
	e.healthy.Store(false)
	r := e.run("", "check")
	assert.Equal(t, output.ExitFatal, r.code())
}

func TestStatus(t *testing.T) {
	e := newEnv(t, "sqlite")

	var before statusView
	decode(t, e.run("", "status"), &before)
	assert.False(t, before.RemoteExists)
	assert.False(t, before.LocalPresent)
	assert.Equal(t, "sqlite", before.Backend)
	assert.Equal(t, "bot_example_com", before.Key)

	require.NoError(t, e.run("", "get").err)

	var after statusView
	decode(t, e.run("", "status"), &after)
	assert.True(t, after.RemoteExists)
	assert.True(t, after.LocalPresent)
	assert.Equal(t, "active", string(after.Status))
	assert.True(t, after.LastUsedAt.Add(24*time.Hour).Equal(after.Expires))
}

func TestList(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "get").err)
	require.NoError(t, e.store.Set(secrets.PasswordKey("other"), "hunter2"))
	require.NoError(t, e.run("", "--account", "other", "get").err)

	var listed struct {
		Data []struct {
			AccountID string `json:"account_id"`
			Status    string `json:"status"`
		} `json:"data"`
		Count int `json:"count"`
	}
	decode(t, e.run("", "list"), &listed)
	require.Equal(t, 2, listed.Count)
	assert.Equal(t, testAccount, listed.Data[0].AccountID)
	assert.Equal(t, "other", listed.Data[1].AccountID)
}

func TestDelete(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "get").err)

	r := e.run("", "delete")
	assert.Equal(t, output.ExitUsage, r.code(), "no prompt without a terminal")

	r = e.run("", "--force", "delete")
	require.NoError(t, r.err, r.stderr)
	assert.NoFileExists(t, filepath.Join(e.dir, "state", "credential.json"))

	var st statusView
	decode(t, e.run("", "status"), &st)
	assert.False(t, st.RemoteExists)
}

func TestTemplate(t *testing.T) {
	e := newEnv(t, "memory")
	path := filepath.Join(e.dir, "tpl.json")

	r := e.run("", "template", path)
	require.NoError(t, r.err)
	assert.Equal(t, path+"\n", r.stdout)
	assert.FileExists(t, path)

	r = e.run("", "template", path)
	assert.Equal(t, output.ExitGeneral, r.code())
}

func TestTemplate_DefaultPath(t *testing.T) {
	e := newEnv(t, "memory")

	r := e.run("", "template")
	require.NoError(t, r.err)
	assert.Equal(t, filepath.Join(e.dir, "state", "credential.template.json")+"\n", r.stdout)
}

func TestSecret_SetListDelete(t *testing.T) {
	e := newEnv(t, "memory")

	r := e.run("s3cret-seed\n", "secret", "set", "otp")
	require.NoError(t, r.err, r.stderr)
	got, err := e.store.Get(secrets.OTPKey(testAccount))
	require.NoError(t, err)
	assert.Equal(t, "s3cret-seed", got)

	require.NoError(t, e.run("k3y", "secret", "set", "encrypt-key").err)
	got, err = e.store.Get(secrets.EncryptKeyName)
	require.NoError(t, err)
	assert.Equal(t, "k3y", got)

	r = e.run("", "secret", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, secrets.OTPKey(testAccount))
	assert.NotContains(t, r.stdout, "s3cret-seed")

	require.NoError(t, e.run("", "secret", "delete", "otp").err)
	r = e.run("", "secret", "delete", "otp")
	assert.Equal(t, output.ExitNotFound, r.code())
}

func TestSecret_EmptyValueRejected(t *testing.T) {
	e := newEnv(t, "memory")
	r := e.run("\n", "secret", "set", "password")
	assert.Equal(t, output.ExitUsage, r.code())
}

func TestSecret_EncryptKeyFromStore(t *testing.T) {
	e := newEnv(t, "sqlite")
	require.NoError(t, e.run("", "config", "unset", "encrypt_key").err)
	require.NoError(t, e.store.Set(secrets.EncryptKeyName, "stored-key"))

	require.NoError(t, e.run("", "get").err)
	require.NoError(t, os.Remove(filepath.Join(e.dir, "state", "credential.json")))

	// Readable with the stored key, so no second login.
	require.NoError(t, e.run("", "get").err)
	assert.EqualValues(t, 1, e.generated.Load())
}

func TestConfig_SetGetList(t *testing.T) {
	e := newEnv(t, "memory")

	r := e.run("", "config", "set", "monitor_interval", "1m")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "Set monitor_interval = 1m")

	r = e.run("", "config", "get", "monitor_interval")
	require.NoError(t, r.err)
	assert.Equal(t, "1m\n", r.stdout)

	r = e.run("", "config", "set", "generator_token", "tok-123456")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "****3456")
	assert.NotContains(t, r.stderr, "tok-123456")

	var listed struct {
		Data []ConfigItem `json:"data"`
	}
	decode(t, e.run("", "config", "list"), &listed)
	values := map[string]string{}
	for _, item := range listed.Data {
		values[item.Key] = item.Value
	}
	assert.Equal(t, "****3456", values["generator_token"])
	assert.Equal(t, "****-key", values["encrypt_key"])
	assert.Equal(t, testAccount, values["account_id"])
}

func TestConfig_Errors(t *testing.T) {
	e := newEnv(t, "memory")

	assert.Equal(t, output.ExitNotFound, e.run("", "config", "get", "region").code())
	assert.Equal(t, output.ExitUsage, e.run("", "config", "set", "region", "us").code())
	assert.Equal(t, output.ExitUsage, e.run("", "config", "set", "retry_delay", "soon").code())
	assert.Equal(t, output.ExitUsage, e.run("", "config", "unset", "region").code())
}

func TestConfig_Path(t *testing.T) {
	e := newEnv(t, "memory")
	r := e.run("", "config", "path")
	require.NoError(t, r.err)
	assert.Equal(t, e.config+"\n", r.stdout)
	assert.Contains(t, r.stderr, "file exists")
}

func TestConfig_BadFile(t *testing.T) {
	e := newEnv(t, "memory")
	require.NoError(t, os.WriteFile(e.config, []byte(`{retry_delay: "soon"}`), 0600))

	r := e.run("", "version")
	assert.Equal(t, output.ExitConfigError, r.code())
}

func TestSchema(t *testing.T) {
	e := newEnv(t, "memory")

	var node SchemaNode
	decode(t, e.run("", "schema", "config set"), &node)
	assert.Equal(t, "set", node.Name)
	require.Len(t, node.Args, 2)
	assert.Equal(t, "config-key", node.Args[0].Completes)

	var secretSet SchemaNode
	decode(t, e.run("", "schema", "secret set"), &secretSet)
	assert.Equal(t, []string{"password", "otp", "encrypt-key"}, secretSet.Args[0].Enum)

	r := e.run("", "schema", "nope")
	assert.Equal(t, output.ExitNotFound, r.code())
}

func TestSchema_Root(t *testing.T) {
	e := newEnv(t, "memory")

	var root SchemaNode
	decode(t, e.run("", "schema"), &root)
	names := make([]string, 0, len(root.Children))
	for _, child := range root.Children {
		names = append(names, child.Name)
	}
	assert.Contains(t, names, "monitor")
	assert.Contains(t, names, "install-completions")
}

func TestMonitor_StopsOnCancel(t *testing.T) {
	e := newEnv(t, "memory")

	var stdout, stderr bytes.Buffer
	fp := &FormatterProvider{Formatter: output.NewTo("json", &stdout, &stderr), Out: &stdout, Err: &stderr}
	rt := e.runtime()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&MonitorCmd{Interval: time.Hour, Watch: true}).Run(ctx, rt, fp)
	}()

	// The first check runs right away and finds nothing to serve.
	require.Eventually(t, func() bool { return rt.Local(testAccount).Has() }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var st lifecycle.MonitorStatus
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &st))
	assert.False(t, st.Monitoring)
	assert.Equal(t, testAccount, st.AccountID)
	assert.Equal(t, time.Hour, st.Interval)
	assert.EqualValues(t, 1, e.generated.Load())
	assert.Contains(t, stderr.String(), "Monitoring "+testAccount)
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected string
	}{
		{name: "empty string", value: "", expected: ""},
		{name: "1 char", value: "a", expected: "****"},
		{name: "4 chars", value: "abcd", expected: "****"},
		{name: "5 chars", value: "abcde", expected: "****bcde"},
		{name: "long string", value: "secret-key-12345", expected: "****2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskSecret(tt.value))
		})
	}
}

func TestLifecycleError(t *testing.T) {
	fatal := &lifecycle.FatalError{AccountID: testAccount, Attempts: 3, Err: errors.New("down")}

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"fatal", fatal, output.ExitFatal},
		{"wrapped fatal", fmt.Errorf("get: %w", fatal), output.ExitFatal},
		{"deadline", context.DeadlineExceeded, output.ExitTimeout},
		{"cli error kept", output.NewCLIError(output.ExitUnavailable, "x"), output.ExitUnavailable},
		{"other", errors.New("boom"), output.ExitGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, output.ExitCode(lifecycleError(tt.err, testAccount)))
		})
	}
	assert.NoError(t, lifecycleError(nil, testAccount))
}
