package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/semmy-space/credkeep/internal/cache"
	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/lifecycle"
	"github.com/semmy-space/credkeep/internal/output"
	"github.com/semmy-space/credkeep/internal/remote"
)

// lifecycleError maps a Manager error onto an exit code.
func lifecycleError(err error, accountID string) error {
	var cliErr *output.CLIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cliErr):
		return err
	case lifecycle.IsFatal(err):
		return output.Wrap(output.ExitFatal, err, "Credential could not be regenerated").
			WithHint(fmt.Sprintf("Check the login secret (credkeep secret set password -a %s) and generator_url", accountID))
	case errors.Is(err, context.DeadlineExceeded):
		return output.Wrap(output.ExitTimeout, err, "Timed out")
	case errors.Is(err, context.Canceled):
		return output.Wrap(output.ExitGeneral, err, "Interrupted")
	default:
		return output.Wrap(output.ExitGeneral, err, "Credential operation failed")
	}
}

// itemView is a credential item as listed to humans.
type itemView struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

var itemColumns = []output.Column{
	{Name: "KEY", Key: "Key"},
	{Name: "DOMAIN", Key: "Domain"},
	{Name: "PATH", Key: "Path"},
	{Name: "VALUE", Key: "Value", Width: 40},
}

func itemViews(c credential.Credential, reveal bool) []itemView {
	views := make([]itemView, len(c))
	for i, item := range c {
		value := item.Value
		if !reveal {
			value = maskSecret(value)
		}
		views[i] = itemView{Key: item.Key, Value: value, Domain: item.Domain, Path: item.Path}
	}
	return views
}

// printCredential writes c in the form the caller asked for.
func printCredential(fp *FormatterProvider, c credential.Credential, header, reveal bool) error {
	if header {
		fmt.Fprintln(fp.Out, c.Header())
		return nil
	}
	return fp.Formatter.PrintList(itemViews(c, reveal), itemColumns)
}

// GetCmd implements the get command
type GetCmd struct {
	Header bool `help:"Print a Cookie header line instead of the items"`
	Reveal bool `help:"Show full item values"`
}

// Run executes the get command
func (cmd *GetCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	c, err := mgr.GetCredential(ctx, accountID)
	if err != nil {
		return lifecycleError(err, accountID)
	}
	return printCredential(fp, c, cmd.Header, cmd.Reveal)
}

// RefreshCmd implements the refresh command
type RefreshCmd struct {
	Header bool `help:"Print a Cookie header line for the new credential"`
	Reveal bool `help:"Show full item values"`
}

// Run executes the refresh command
func (cmd *RefreshCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	c, err := mgr.RefreshCredential(ctx, accountID)
	if err != nil {
		return lifecycleError(err, accountID)
	}
	fmt.Fprintf(fp.Err, "Replaced credential for %s (%d items)\n", accountID, len(c))
	return printCredential(fp, c, cmd.Header, cmd.Reveal)
}

// ReportCmd implements the report command
type ReportCmd struct {
	Reason string `arg:"" optional:"" default:"reported" help:"Why the credential stopped working"`
	Header bool   `help:"Print a Cookie header line for the replacement"`
}

// Run executes the report command
func (cmd *ReportCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	c, err := mgr.ReportFailure(ctx, accountID, cmd.Reason)
	if err != nil {
		return lifecycleError(err, accountID)
	}
	fmt.Fprintf(fp.Err, "Replaced failing credential for %s\n", accountID)
	return printCredential(fp, c, cmd.Header, false)
}

// CheckCmd implements the check command
type CheckCmd struct{}

// Run executes the check command
func (cmd *CheckCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	res, err := mgr.CheckAndFix(ctx, accountID)
	if err != nil {
		_ = fp.Formatter.Print(res)
		return lifecycleError(err, accountID)
	}
	return fp.Formatter.Print(res)
}

// statusView combines what each tier knows about an account.
type statusView struct {
	AccountID    string            `json:"account_id"`
	Key          string            `json:"key"`
	Backend      string            `json:"backend"`
	RemoteExists bool              `json:"remote_exists"`
	Status       credential.Status `json:"status,omitempty"`
	LastUsedAt   time.Time         `json:"last_used_at,omitzero"`
	UpdatedAt    time.Time         `json:"updated_at,omitzero"`
	Expires      time.Time         `json:"expires,omitzero"`
	LocalPath    string            `json:"local_path"`
	LocalPresent bool              `json:"local_present"`
}

// StatusCmd implements the status command
type StatusCmd struct{}

// Run executes the status command
func (cmd *StatusCmd) Run(ctx context.Context, rt *Runtime, cfg *config.Config, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	store, err := rt.Remote(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	info, err := store.Status(ctx, accountID)
	if err != nil {
		return output.Wrap(output.ExitUnavailable, err, "Failed to read remote status")
	}

	backend, _ := config.GetBackend(cfg.RemoteBackend)
	local := rt.Local(accountID)

	view := statusView{
		AccountID:    accountID,
		Key:          remote.StorageKey(accountID),
		Backend:      backend.Name,
		RemoteExists: info.Exists,
		Status:       info.Status,
		LastUsedAt:   info.LastUsedAt,
		UpdatedAt:    info.UpdatedAt,
		LocalPath:    local.Path(),
		LocalPresent: local.Has(),
	}
	if !info.LastUsedAt.IsZero() {
		view.Expires = info.LastUsedAt.Add(store.MaxAge())
	}

	return fp.Formatter.Print(view)
}

// ListCmd implements the list command
type ListCmd struct{}

// Run executes the list command
func (cmd *ListCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	store, err := rt.Remote(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	summaries, err := store.ListAll(ctx)
	if err != nil {
		return output.Wrap(output.ExitUnavailable, err, "Failed to list credentials")
	}

	cols := []output.Column{
		{Name: "ACCOUNT", Key: "AccountID"},
		{Name: "STATUS", Key: "Status"},
		{Name: "LAST USED", Key: "LastUsedAt"},
		{Name: "UPDATED", Key: "UpdatedAt"},
	}
	return fp.Formatter.PrintList(summaries, cols)
}

// DeleteCmd implements the delete command
type DeleteCmd struct{}

// Run executes the delete command
func (cmd *DeleteCmd) Run(ctx context.Context, rt *Runtime, globals *Globals, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}

	if !globals.Force {
		if !globals.interactive() {
			return output.NewCLIError(output.ExitUsage, "Refusing to delete without confirmation").
				WithHint("Pass --force")
		}
		if !confirm(fp, rt.stdin, fmt.Sprintf("Delete the credential for %s from both tiers?", accountID)) {
			fmt.Fprintln(fp.Err, "Aborted")
			return nil
		}
	}

	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if err := mgr.Delete(ctx, accountID); err != nil {
		return output.Wrap(output.ExitGeneral, err, "Delete incomplete")
	}
	fmt.Fprintf(fp.Err, "Deleted credential for %s\n", accountID)
	return nil
}

// confirm asks a yes/no question on stderr and reads the answer from stdin.
func confirm(fp *FormatterProvider, in io.Reader, question string) bool {
	fmt.Fprintf(fp.Err, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// TemplateCmd implements the template command
type TemplateCmd struct {
	Path string `arg:"" optional:"" type:"path" help:"Where to write the template (default: config template_path, then next to the local file)"`
}

// Run executes the template command
func (cmd *TemplateCmd) Run(rt *Runtime, cfg *config.Config, fp *FormatterProvider) error {
	path := cmd.Path
	if path == "" {
		path = cfg.TemplatePath
	}
	if path == "" {
		accountID, err := rt.AccountID()
		if err != nil {
			return err
		}
		path = strings.TrimSuffix(rt.LocalPath(accountID), ".json") + ".template.json"
	}

	if err := cache.WriteTemplate(path, time.Now()); err != nil {
		return output.Wrap(output.ExitGeneral, err, "Failed to write template")
	}

	fmt.Fprintln(fp.Out, path)
	fmt.Fprintf(fp.Err, "Fill in the %d values and copy the file over the local credential\n", len(credential.Template(time.Now())))
	return nil
}
