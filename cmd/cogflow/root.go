package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NiccoloCase/cognitive-workflow/config"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// globalFlags holds flags available to all commands.
type globalFlags struct {
	ConfigFile   string
	OutputFormat string
}

// app carries state shared by the subcommands of one invocation.
type app struct {
	flags globalFlags
	cfg   *config.Config
}

func (a *app) format() OutputFormat {
	if a.flags.OutputFormat == string(FormatJSON) {
		return FormatJSON
	}
	return FormatText
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "cogflow",
		Short: "Route natural-language requests to versioned workflows",
		Long: `cogflow detects the intent of a request, selects the workflow the intent
routes to and runs it as a dependency graph of nodes.

Configuration is read from --config (YAML) and COGFLOW_* environment variables,
for example COGFLOW_ENGINE_MAX_PARALLEL_NODES=4.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.flags.OutputFormat != string(FormatText) && a.flags.OutputFormat != string(FormatJSON) {
				return fmt.Errorf("invalid output format %q (text|json)", a.flags.OutputFormat)
			}
			cfg, err := config.Load(a.flags.ConfigFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.flags.ConfigFile, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVarP(&a.flags.OutputFormat, "output", "o", "text", "Output format (text|json)")

	cmd.AddCommand(newRouteCmd(a), newCatalogCmd(a), newEvalCmd(a))
	return cmd
}
