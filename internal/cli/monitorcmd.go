package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/semmy-space/credkeep/internal/audit"
	"github.com/semmy-space/credkeep/internal/cache"
	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/lifecycle"
	"github.com/semmy-space/credkeep/internal/output"
)

// MonitorCmd implements the monitor command
type MonitorCmd struct {
	Interval time.Duration `help:"Time between checks (default: config monitor_interval)"`
	Watch    bool          `help:"Re-check when the local credential file is replaced"`
}

// Run executes the monitor command. It blocks until ctx is cancelled, which
// main does on SIGINT or SIGTERM.
func (cmd *MonitorCmd) Run(ctx context.Context, rt *Runtime, fp *FormatterProvider) error {
	accountID, err := rt.AccountID()
	if err != nil {
		return err
	}
	mgr, err := rt.Manager(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	interval := cmd.Interval
	if interval <= 0 {
		interval = rt.settings.MonitorInterval
	}

	mgr.OnReplaced(func(id string, c credential.Credential) {
		rt.logger.Info("new credential available", audit.KeyAccount, id, "items", len(c))
	})

	mon := lifecycle.NewMonitor(mgr, accountID, interval, rt.logger)
	if err := mon.Start(ctx); err != nil {
		return output.Wrap(output.ExitGeneral, err, "Failed to start monitor")
	}

	if cmd.Watch {
		local := rt.Local(accountID)
		if err := os.MkdirAll(filepath.Dir(local.Path()), 0700); err != nil {
			<-mon.Stop().Done()
			return output.Wrap(output.ExitGeneral, err, "Failed to create credential directory")
		}
		if err := local.Watch(ctx, cache.DefaultDebounce, mon.Trigger); err != nil {
			<-mon.Stop().Done()
			return output.Wrap(output.ExitGeneral, err, "Failed to watch local credential")
		}
		rt.logger.Info("watching local credential file", "path", local.Path())
	}

	fmt.Fprintf(fp.Err, "Monitoring %s every %s (Ctrl-C to stop)\n", accountID, interval)
	<-ctx.Done()

	fmt.Fprintln(fp.Err, "Stopping, waiting for running checks to finish")
	<-mon.Stop().Done()

	return fp.Formatter.Print(mon.Status())
}
