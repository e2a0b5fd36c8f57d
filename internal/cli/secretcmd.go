package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/semmy-space/credkeep/internal/output"
	"github.com/semmy-space/credkeep/internal/secrets"
)

// Secret kinds accepted by the secret commands.
const (
	secretPassword   = "password"
	secretOTP        = "otp"
	secretEncryptKey = "encrypt-key"
)

// secretName maps a kind onto its key in the secrets store.
func secretName(kind, accountID string) string {
	switch kind {
	case secretPassword:
		return secrets.PasswordKey(accountID)
	case secretOTP:
		return secrets.OTPKey(accountID)
	default:
		return secrets.EncryptKeyName
	}
}

// secretKey resolves the store key for kind, asking for an account only
// when the kind is per account.
func secretKey(rt *Runtime, kind string) (string, error) {
	if kind == secretEncryptKey {
		return secretName(kind, ""), nil
	}
	accountID, err := rt.AccountID()
	if err != nil {
		return "", err
	}
	return secretName(kind, accountID), nil
}

// SecretSetCmd implements secret set command
type SecretSetCmd struct {
	Kind string `arg:"" enum:"password,otp,encrypt-key" help:"Secret to store: password, otp or encrypt-key"`
}

// Run executes the secret set command
func (cmd *SecretSetCmd) Run(rt *Runtime, globals *Globals, fp *FormatterProvider) error {
	key, err := secretKey(rt, cmd.Kind)
	if err != nil {
		return err
	}

	value, err := readSecret(globals, fp, cmd.Kind, rt.stdin)
	if err != nil {
		return err
	}

	store, err := rt.Secrets()
	if err != nil {
		return err
	}
	if err := store.Set(key, value); err != nil {
		return output.Wrap(output.ExitGeneral, err, "Failed to store secret")
	}

	fmt.Fprintf(fp.Err, "Stored %s\n", key)
	return nil
}

// readSecret prompts without echo on a terminal, otherwise reads one line
// from in.
func readSecret(globals *Globals, fp *FormatterProvider, kind string, in io.Reader) (string, error) {
	var value string
	if globals.interactive() {
		fmt.Fprintf(fp.Err, "Enter %s: ", kind)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(fp.Err)
		if err != nil {
			return "", output.Wrap(output.ExitGeneral, err, "Failed to read secret")
		}
		value = string(raw)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", output.Wrap(output.ExitGeneral, err, "Failed to read secret")
		}
		value = line
	}

	value = strings.TrimRight(value, "\r\n")
	if value == "" {
		return "", output.NewCLIError(output.ExitUsage, "Empty secret").
			WithHint("Pipe the value on stdin, e.g. printf %s \"$PASS\" | credkeep secret set password")
	}
	return value, nil
}

// SecretDeleteCmd implements secret delete command
type SecretDeleteCmd struct {
	Kind string `arg:"" enum:"password,otp,encrypt-key" help:"Secret to remove: password, otp or encrypt-key"`
}

// Run executes the secret delete command
func (cmd *SecretDeleteCmd) Run(rt *Runtime, fp *FormatterProvider) error {
	key, err := secretKey(rt, cmd.Kind)
	if err != nil {
		return err
	}

	store, err := rt.Secrets()
	if err != nil {
		return err
	}
	if err := store.Delete(key); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return output.NewCLIError(output.ExitNotFound, fmt.Sprintf("No secret stored under %s", key))
		}
		return output.Wrap(output.ExitGeneral, err, "Failed to delete secret")
	}

	fmt.Fprintf(fp.Err, "Deleted %s\n", key)
	return nil
}

// SecretListCmd implements secret list command. Values are never shown.
type SecretListCmd struct{}

// Run executes the secret list command
func (cmd *SecretListCmd) Run(rt *Runtime, fp *FormatterProvider) error {
	store, err := rt.Secrets()
	if err != nil {
		return err
	}

	keys, err := store.List()
	if err != nil {
		return output.Wrap(output.ExitGeneral, err, "Failed to list secrets")
	}

	type secretItem struct {
		Name string `json:"name"`
	}
	items := make([]secretItem, len(keys))
	for i, k := range keys {
		items[i] = secretItem{Name: k}
	}

	return fp.Formatter.PrintList(items, []output.Column{{Name: "NAME", Key: "Name"}})
}
