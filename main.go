package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/posener/complete"
	"github.com/willabides/kongplete"

	"github.com/semmy-space/credkeep/internal/cli"
	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/output"
)

var (
	version = "dev"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cliInstance := &cli.CLI{}
	parser := kong.Must(cliInstance,
		kong.Name("credkeep"),
		kong.Description("Keep a session credential usable: cache, probe, and regenerate it"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)

	// Exits when invoked by the shell for completion.
	kongplete.Complete(parser,
		kongplete.WithPredictor("config-key", complete.PredictSet(config.Keys()...)),
	)

	ctx, err := parser.Parse(args)
	if err != nil {
		var cliErr *output.CLIError
		if errors.As(err, &cliErr) {
			return output.Report(cliInstance.Formatter(), err)
		}
		parser.Errorf("%s", err)
		return output.ExitUsage
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx.BindTo(sigCtx, (*context.Context)(nil))

	if err := ctx.Run(); err != nil {
		return output.Report(cliInstance.Formatter(), err)
	}
	return output.ExitOK
}
