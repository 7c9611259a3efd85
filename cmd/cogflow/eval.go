package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NiccoloCase/cognitive-workflow/evaluation"
)

func newEvalCmd(a *app) *cobra.Command {
	var minAccuracy float64
	cmd := &cobra.Command{
		Use:   "eval <cases.yaml>",
		Short: "Measure intent routing accuracy on labelled requests",
		Long: `Eval runs every case through intent detection only (no workflow is
executed) and compares the selected intent with want_intent. A case without
want_intent expects no confident match.`,
		Example: `  cogflow eval testdata/routing.yaml --min-accuracy 0.9`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cases, err := evaluation.LoadCases(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			sum, err := evaluation.Run(ctx, evaluation.NewDetectorEvaluator(rt.system.Detector()), cases)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.format() == FormatJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"total":         sum.Total,
					"correct":       sum.Correct,
					"missed":        sum.Missed,
					"false_matches": sum.FalseMatches,
					"errors":        sum.Errors,
					"accuracy":      sum.Accuracy(),
					"tokens":        sum.Usage.TotalTokens,
				}); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TEXT\tWANT\tGOT\tSCORE\tOK")
				for _, r := range sum.Results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%t\n", r.Case.Text, r.Case.WantIntent, r.GotIntent, r.Score, r.Correct)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(w, "accuracy %.3f (%d/%d), missed %d, false matches %d, errors %d\n",
					sum.Accuracy(), sum.Correct, sum.Total, sum.Missed, sum.FalseMatches, sum.Errors)
			}

			if sum.Accuracy() < minAccuracy {
				return fmt.Errorf("accuracy %.3f below minimum %.3f", sum.Accuracy(), minAccuracy)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&minAccuracy, "min-accuracy", 0, "Fail when accuracy is below this value")
	return cmd
}
