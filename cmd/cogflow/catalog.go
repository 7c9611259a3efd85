package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NiccoloCase/cognitive-workflow/catalog"
	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/engine"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage node, workflow and intent definitions",
	}
	cmd.AddCommand(newCatalogImportCmd(a), newCatalogListCmd(a))
	return cmd
}

func newCatalogImportCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import a YAML catalog into the configured store",
		Long: `Import parses a YAML catalog, validates every workflow graph and upserts
the definitions into the store selected by catalog.driver.

With --dry-run the file is parsed and validated without writing.`,
		Example: `  cogflow catalog import support.yaml --config cogflow.yaml
  cogflow catalog import support.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			snap, err := catalog.NewFileSource(args[0]).Load(ctx)
			if err != nil {
				return err
			}
			if err := validateSnapshot(snap); err != nil {
				return err
			}
			if !dryRun {
				logger, err := newLogger(a.cfg.Log)
				if err != nil {
					return err
				}
				store, closeStore, err := openStore(ctx, a.cfg.Catalog, logger)
				if err != nil {
					return err
				}
				defer func() { _ = closeStore() }()
				if err := store.Save(ctx, snap); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d nodes, %d workflows, %d intents\n",
				len(snap.Nodes), len(snap.Workflows), len(snap.Intents))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate without writing")
	return cmd
}

// validateSnapshot checks definitions without embedding anything.
func validateSnapshot(snap *catalog.Snapshot) error {
	for _, def := range snap.Nodes {
		if err := def.Capability.Validate(); err != nil {
			return &core.InvalidDefinitionError{ID: def.ID, Reason: "invalid capability", Err: err}
		}
	}
	for _, def := range snap.Workflows {
		if err := engine.Validate(def); err != nil {
			return err
		}
	}
	return nil
}

type listEntry struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Enabled bool   `json:"enabled"`
	Target  string `json:"target,omitempty"`
}

func newCatalogListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the definitions in the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger, err := newLogger(a.cfg.Log)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, a.cfg.Catalog, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			snap, err := store.Load(ctx)
			if err != nil {
				return err
			}

			entries := make([]listEntry, 0, snap.Len())
			for _, def := range snap.Nodes {
				entries = append(entries, listEntry{Kind: "node", ID: def.ID, Version: def.Version, Enabled: def.Enabled, Target: string(def.Capability.Kind)})
			}
			for _, def := range snap.Workflows {
				entries = append(entries, listEntry{Kind: "workflow", ID: def.ID, Version: def.Version, Enabled: def.Enabled, Target: fmt.Sprintf("%d nodes", len(def.Nodes))})
			}
			for _, def := range snap.Intents {
				entries = append(entries, listEntry{Kind: "intent", ID: def.ID, Enabled: true, Target: core.InstanceRef{ID: def.WorkflowID, Version: def.WorkflowVersion}.String()})
			}

			w := cmd.OutOrStdout()
			if a.format() == FormatJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tID\tVERSION\tENABLED\tTARGET")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", e.Kind, e.ID, e.Version, e.Enabled, e.Target)
			}
			return tw.Flush()
		},
	}
}
