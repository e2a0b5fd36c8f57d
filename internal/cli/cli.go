package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/output"
)

// FormatterProvider wraps the formatter interface for Kong binding. Out and
// Err receive raw text that bypasses the formatter.
type FormatterProvider struct {
	Formatter output.Formatter
	Out       io.Writer
	Err       io.Writer
}

// CLI is the root command structure
type CLI struct {
	Globals

	Get      GetCmd      `cmd:"" help:"Print a usable credential, regenerating it if needed"`
	Refresh  RefreshCmd  `cmd:"" help:"Replace the credential now"`
	Report   ReportCmd   `cmd:"" help:"Report the credential as failing and replace it"`
	Check    CheckCmd    `cmd:"" help:"Probe the credential once and replace it if unhealthy"`
	Monitor  MonitorCmd  `cmd:"" help:"Check the credential periodically until interrupted"`
	Status   StatusCmd   `cmd:"" help:"Show stored credential state"`
	List     ListCmd     `cmd:"" help:"List credentials in the remote store"`
	Delete   DeleteCmd   `cmd:"" help:"Delete the credential from both tiers"`
	Template TemplateCmd `cmd:"" help:"Write an editable credential template"`
	Secret   SecretCmd   `cmd:"" help:"Manage login secrets and the encryption key"`
	Config   ConfigCmd   `cmd:"" help:"Configuration commands"`
	Schema   SchemaCmd   `cmd:"" help:"Print the command tree as JSON"`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions"`
	Version            VersionCmd                   `cmd:"" help:"Show version information"`

	// configure is set in tests.
	configure func(rt *Runtime)  `kong:"-"`
	formatter *FormatterProvider `kong:"-"`
}

// AfterApply hook runs once flags are parsed, before any command executes.
// It loads config, sets up logging, creates formatter, and binds dependencies
func (c *CLI) AfterApply(ctx *kong.Context) error {
	path := c.ConfigFile
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.LoadFrom(path)
	if err != nil {
		return output.Wrap(output.ExitConfigError, err, "Failed to load config")
	}
	if err := cfg.ApplyEnv(); err != nil {
		return output.Wrap(output.ExitConfigError, err, "Invalid environment override")
	}
	settings, err := cfg.Settings()
	if err != nil {
		return output.Wrap(output.ExitConfigError, err, "Invalid config").
			WithHint("Durations use Go syntax, e.g. 30s, 5m, 24h")
	}

	logger := c.Globals.Logger(ctx.Stderr)
	slog.SetDefault(logger)

	formatter := &FormatterProvider{
		Formatter: output.NewTo(c.ResolvedOutput(cfg.DefaultOutput), ctx.Stdout, ctx.Stderr),
		Out:       ctx.Stdout,
		Err:       ctx.Stderr,
	}

	c.formatter = formatter

	rt := NewRuntime(cfg, &c.Globals, settings, logger)
	if c.configure != nil {
		c.configure(rt)
	}

	ctx.Bind(cfg)
	ctx.Bind(formatter)
	ctx.Bind(&c.Globals)
	ctx.Bind(rt)

	return nil
}

// Formatter returns the formatter for the parsed output mode. Before flags
// are applied, or if config failed to load, it is a plain formatter.
func (c *CLI) Formatter() output.Formatter {
	if c.formatter == nil {
		return output.New("plain")
	}
	return c.formatter.Formatter
}

// SecretCmd holds secret subcommands
type SecretCmd struct {
	Set    SecretSetCmd    `cmd:"" help:"Store a secret (read from stdin or prompted)"`
	Delete SecretDeleteCmd `cmd:"" help:"Remove a secret"`
	List   SecretListCmd   `cmd:"" help:"List stored secret names"`
}

// ConfigCmd holds configuration subcommands
type ConfigCmd struct {
	Get   ConfigGetCmd        `cmd:"" help:"Get a configuration value"`
	Set   ConfigSetCmd        `cmd:"" help:"Set a configuration value"`
	Unset ConfigUnsetCmd      `cmd:"" help:"Remove a configuration value"`
	List  ConfigListConfigCmd `cmd:"" name:"list" help:"List all configuration values"`
	Path  ConfigPathCmd       `cmd:"" help:"Show config file path"`
}

// VersionCmd shows version information
type VersionCmd struct{}

func (cmd *VersionCmd) Run(ctx *kong.Context) error {
	version := ctx.Model.Vars()["version"]
	fmt.Fprintln(ctx.Stdout, "credkeep version "+version)
	return nil
}
