package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Globals holds global flags available to all commands
type Globals struct {
	Account    string `help:"Account id (default: config account_id)" short:"a"`
	ConfigFile string `help:"Config file path" name:"config" type:"path" env:"CREDKEEP_CONFIG"`
	Output     string `help:"Output format" default:"auto" enum:"json,plain,rich,auto" short:"o" env:"CREDKEEP_OUTPUT"`
	Verbose    bool   `help:"Verbose output (debug logging)" short:"v" env:"CREDKEEP_VERBOSE"`
	LogFormat  string `help:"Log format on stderr" default:"text" enum:"text,json" name:"log-format" env:"CREDKEEP_LOG_FORMAT"`
	NoInput    bool   `help:"Disable interactive prompts (fail instead)" env:"CREDKEEP_NO_INPUT"`
	Force      bool   `help:"Skip confirmation prompts for destructive operations" env:"CREDKEEP_FORCE"`
}

// ResolvedOutput returns the effective output mode
// "auto" uses the config default_output, then detects TTY: if stdout is
// TTY -> rich, else -> plain
func (g *Globals) ResolvedOutput(configDefault string) string {
	mode := g.Output
	if mode == "auto" && configDefault != "" {
		mode = configDefault
	}
	if mode != "auto" {
		return mode
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "rich"
	}

	return "plain"
}

// Logger builds the process logger from --verbose and --log-format.
func (g *Globals) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if g.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// interactive reports whether prompts may be shown.
func (g *Globals) interactive() bool {
	return !g.NoInput && term.IsTerminal(int(os.Stdin.Fd()))
}
