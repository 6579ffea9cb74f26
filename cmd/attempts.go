package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/threadlab/internal/aggregate"
	"github.com/abhisek/threadlab/internal/store"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts <experiment-id>",
	Short: "List the token ledger of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failedOnly, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		records, err := s.ExperimentAttempts(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("query attempts: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No attempts recorded.")
			return nil
		}

		// Header.
		fmt.Fprintf(out, "%-24s  %4s  %7s  %8s  %8s  %8s  %2s  %s\n",
			"Unit", "Run", "Attempt", "Prompt", "Compl", "Total", "OK", "Error")
		fmt.Fprintln(out, strings.Repeat("─", 100))

		shown := 0
		for _, r := range records {
			if failedOnly && r.Success {
				continue
			}
			if limit > 0 && shown == limit {
				break
			}
			shown++

			ok := "✓"
			if !r.Success {
				ok = "✗"
			}
			unit := r.UnitID
			if len(unit) > 24 {
				unit = unit[:24]
			}
			msg := r.ErrorMessage
			if len(msg) > 40 {
				msg = msg[:40]
			}
			u := r.TokensUsed
			fmt.Fprintf(out, "%-24s  %4d  %7d  %8d  %8d  %8d  %2s  %s\n",
				unit, r.RunIndex, r.AttemptNumber, u.PromptTokens, u.CompletionTokens, u.TotalTokens, ok, msg)
		}

		st := aggregate.TokenStatistics(store.Attempts(records))
		fmt.Fprintln(out, strings.Repeat("─", 100))
		fmt.Fprintf(out, "%-28s  %d\n", "Successful predictions", st.TotalSuccessfulPredictions)
		fmt.Fprintf(out, "%-28s  %d\n", "Failed attempts", st.TotalFailedAttempts)
		fmt.Fprintf(out, "%-28s  %d\n", "Total tokens", st.TotalTokensUsed.TotalTokens)
		fmt.Fprintf(out, "%-28s  %d\n", "Tokens wasted on failures", st.TokensWastedOnFailures.TotalTokens)
		fmt.Fprintf(out, "%-28s  %d\n", "Tokens from retries", st.TokensFromRetries.TotalTokens)
		if r := st.TotalTokensUsed.ReasoningTokens; r != nil {
			fmt.Fprintf(out, "%-28s  %d\n", "Reasoning tokens", *r)
		}
		return nil
	},
}

func init() {
	attemptsCmd.Flags().Bool("failed", false, "Only show failed attempts")
	attemptsCmd.Flags().Int("limit", 0, "Maximum rows to show (0 = all)")
}
