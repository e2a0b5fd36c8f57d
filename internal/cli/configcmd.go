package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/semmy-space/credkeep/internal/config"
	"github.com/semmy-space/credkeep/internal/output"
)

// ConfigGetCmd implements config get command
type ConfigGetCmd struct {
	Key string `arg:"" predictor:"config-key" help:"Config key to get (e.g., account_id, remote_backend)"`
}

// Run executes the get command
func (cmd *ConfigGetCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	value, err := cfg.Get(cmd.Key)
	if err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Unknown config key: %s", cmd.Key),
			ExitCode: output.ExitNotFound,
		}
	}

	fmt.Fprintln(fp.Out, value)
	return nil
}

// ConfigSetCmd implements config set command
type ConfigSetCmd struct {
	Key   string `arg:"" predictor:"config-key" help:"Config key to set"`
	Value string `arg:"" help:"Value to set"`
}

// Run executes the set command
func (cmd *ConfigSetCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	if _, err := cfg.Get(cmd.Key); err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Unknown config key: %s", cmd.Key),
			ExitCode: output.ExitUsage,
		}
	}

	if config.IsSecret(cmd.Key) {
		fmt.Fprintf(fp.Err, "Note: %s is stored in the config file. For better security, consider the secrets store or %s%s.\n",
			cmd.Key, config.EnvPrefix, upperKey(cmd.Key))
	}

	if err := cfg.Set(cmd.Key, cmd.Value); err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Failed to set config: %v", err),
			ExitCode: output.ExitUsage,
		}
	}

	shown := cmd.Value
	if config.IsSecret(cmd.Key) {
		shown = maskSecret(shown)
	}
	fmt.Fprintf(fp.Err, "Set %s = %s\n", cmd.Key, shown)
	return nil
}

// ConfigUnsetCmd implements config unset command
type ConfigUnsetCmd struct {
	Key string `arg:"" predictor:"config-key" help:"Config key to remove"`
}

// Run executes the unset command
func (cmd *ConfigUnsetCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	if _, err := cfg.Get(cmd.Key); err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Unknown config key: %s", cmd.Key),
			ExitCode: output.ExitUsage,
		}
	}

	if err := cfg.Unset(cmd.Key); err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Failed to unset config: %v", err),
			ExitCode: output.ExitGeneral,
		}
	}

	fmt.Fprintf(fp.Err, "Unset %s\n", cmd.Key)
	return nil
}

// ConfigListConfigCmd implements config list command
type ConfigListConfigCmd struct{}

// ConfigItem is one key in config list output.
type ConfigItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Run executes the list command. Environment overrides are included.
func (cmd *ConfigListConfigCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	keys := config.Keys()
	items := make([]ConfigItem, 0, len(keys))
	for _, key := range keys {
		value, _ := cfg.Get(key)
		if config.IsSecret(key) {
			value = maskSecret(value)
		}
		items = append(items, ConfigItem{Key: key, Value: value})
	}

	cols := []output.Column{
		{Name: "Key", Key: "Key"},
		{Name: "Value", Key: "Value"},
	}

	return fp.Formatter.PrintList(items, cols)
}

// maskSecret masks sensitive values, showing only last 4 characters
func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func upperKey(key string) string { return strings.ToUpper(key) }

// ConfigPathCmd implements config path command
type ConfigPathCmd struct{}

// Run executes the path command
func (cmd *ConfigPathCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	path := cfg.Path()

	fmt.Fprintln(fp.Out, path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(fp.Err, "(file does not exist yet - will be created on first write)\n")
	} else {
		fmt.Fprintf(fp.Err, "(file exists)\n")
	}

	return nil
}
