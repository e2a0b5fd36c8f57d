package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/semmy-space/credkeep/internal/output"
)

// SchemaCmd outputs machine-readable command tree as JSON, so wrappers can
// discover commands without scraping help text.
type SchemaCmd struct {
	Command string `arg:"" optional:"" help:"Command path to show schema for (e.g., 'config set')"`
	Hidden  bool   `help:"Include hidden commands"`
}

// SchemaNode represents a node in the command tree
type SchemaNode struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"` // "application", "command", "argument"
	Help     string        `json:"help,omitempty"`
	Aliases  []string      `json:"aliases,omitempty"`
	Hidden   bool          `json:"hidden,omitempty"`
	Children []*SchemaNode `json:"commands,omitempty"`
	Flags    []*SchemaFlag `json:"flags,omitempty"`
	Args     []*SchemaArg  `json:"args,omitempty"`
}

// SchemaFlag represents a command flag
type SchemaFlag struct {
	Name     string   `json:"name"`
	Help     string   `json:"help,omitempty"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Default  string   `json:"default,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Short    string   `json:"short,omitempty"`
	Env      []string `json:"env,omitempty"`
}

// SchemaArg represents a positional argument
type SchemaArg struct {
	Name      string   `json:"name"`
	Help      string   `json:"help,omitempty"`
	Required  bool     `json:"required,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Completes string   `json:"completes,omitempty"`
}

// Run executes the schema command
func (cmd *SchemaCmd) Run(ctx *kong.Context, fp *FormatterProvider) error {
	target := ctx.Model.Node
	if cmd.Command != "" {
		var err error
		target, err = findNodeByPath(target, cmd.Command)
		if err != nil {
			return output.Wrap(output.ExitNotFound, err, "Unknown command")
		}
	}

	enc := json.NewEncoder(fp.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(buildSchemaNode(target, cmd.Hidden))
}

// buildSchemaNode recursively builds schema from Kong node
func buildSchemaNode(node *kong.Node, withHidden bool) *SchemaNode {
	schema := &SchemaNode{
		Name:    node.Name,
		Type:    nodeTypeString(node.Type),
		Help:    node.Help,
		Aliases: node.Aliases,
		Hidden:  node.Hidden,
	}

	for _, flag := range node.Flags {
		// --help is implied everywhere
		if flag.Name == "help" || (flag.Hidden && !withHidden) {
			continue
		}

		typeName := "string"
		if flag.Value != nil && flag.Value.Target.IsValid() {
			typeName = fmt.Sprintf("%T", flag.Value.Target.Interface())
		}

		sf := &SchemaFlag{
			Name:     flag.Name,
			Help:     flag.Help,
			Type:     typeName,
			Required: flag.Required,
			Default:  flag.Default,
			Env:      flag.Envs,
			Enum:     splitEnum(flag.Enum),
		}
		if flag.Short != 0 {
			sf.Short = string(flag.Short)
		}

		schema.Flags = append(schema.Flags, sf)
	}

	for _, arg := range node.Positional {
		sa := &SchemaArg{
			Name:     arg.Name,
			Help:     arg.Help,
			Required: arg.Required,
			Enum:     splitEnum(arg.Enum),
		}
		if arg.Tag != nil {
			sa.Completes = arg.Tag.Get("predictor")
		}
		schema.Args = append(schema.Args, sa)
	}

	for _, child := range node.Children {
		if child.Hidden && !withHidden {
			continue
		}
		schema.Children = append(schema.Children, buildSchemaNode(child, withHidden))
	}

	return schema
}

func splitEnum(enum string) []string {
	if enum == "" {
		return nil
	}
	return strings.Split(enum, ",")
}

// findNodeByPath walks the node tree to find a specific command path
func findNodeByPath(root *kong.Node, path string) (*kong.Node, error) {
	current := root

	for _, part := range strings.Fields(path) {
		var next *kong.Node
		for _, child := range current.Children {
			if child.Name == part {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("command not found: %s", path)
		}
		current = next
	}

	return current, nil
}

// nodeTypeString converts Kong node type to string
func nodeTypeString(t kong.NodeType) string {
	switch t {
	case kong.ApplicationNode:
		return "application"
	case kong.CommandNode:
		return "command"
	case kong.ArgumentNode:
		return "argument"
	default:
		return "unknown"
	}
}
