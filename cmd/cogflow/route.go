package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cognitiveworkflow "github.com/NiccoloCase/cognitive-workflow"
)

func newRouteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "route <text>",
		Short: "Detect the intent of a request and run its workflow",
		Long: `Route embeds the request, picks the best matching intent above the
configured threshold and runs the workflow that intent points to.

The result distinguishes three outcomes: no_match, partial_failure and
succeeded. A run that produced no output reports failed and exits non-zero.`,
		Example: `  # Route a request using the catalog from the config file
  cogflow route "I want a refund for order 123" --config cogflow.yaml

  # Print the full report tree as JSON
  cogflow route "where is my parcel" -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			res, runErr := rt.system.RouteAndRun(ctx, strings.Join(args, " "))
			if err := printResult(cmd.OutOrStdout(), a.format(), res); err != nil {
				return err
			}
			return runErr
		},
	}
}

type routeOutput struct {
	Outcome  string         `json:"outcome"`
	IntentID string         `json:"intent_id,omitempty"`
	Score    float64        `json:"score"`
	Workflow string         `json:"workflow,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Report   any            `json:"report"`
}

func printResult(w io.Writer, format OutputFormat, res *cognitiveworkflow.Result) error {
	out := routeOutput{Outcome: string(res.Outcome), Output: res.Output, Report: res.Report}
	if res.Detection != nil {
		out.Score = res.Detection.Score
		if res.Detection.Intent != nil {
			out.IntentID = res.Detection.Intent.ID
		}
	}
	if res.Workflow != nil {
		out.Workflow = res.Workflow.WorkflowID + "@" + res.Workflow.Version
	}

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Outcome:  %s\n", out.Outcome)
	if out.IntentID != "" {
		fmt.Fprintf(w, "Intent:   %s (score %.3f)\n", out.IntentID, out.Score)
	}
	if out.Workflow != "" {
		fmt.Fprintf(w, "Workflow: %s\n", out.Workflow)
	}
	if res.Workflow != nil {
		for _, key := range res.Workflow.Order {
			n := res.Workflow.Nodes[key]
			fmt.Fprintf(w, "  %-16s %-10s attempts=%d tokens=%d\n", key, n.Status, n.Attempts, n.Usage.TotalTokens)
		}
	}
	if len(out.Output) > 0 {
		fmt.Fprintln(w, "Output:")
		keys := make([]string, 0, len(out.Output))
		for k := range out.Output {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, out.Output[k])
		}
	}
	fmt.Fprintf(w, "Tokens:   %d\nDuration: %s\n", res.Usage.TotalTokens, res.Duration)
	return nil
}
