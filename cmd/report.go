package cmd

import (
	"github.com/spf13/cobra"

	"github.com/abhisek/threadlab/internal/engine"
)

var reportCmd = &cobra.Command{
	Use:   "report <experiment-id>",
	Short: "Print classification metrics for an experiment as JSON",
	Long: "Computes per-label metrics from the stored aggregate. --threshold changes the\n" +
		"number of positive runs a unit needs to count as predicted positive; the\n" +
		"stored experiment is not modified.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetInt("threshold")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		eng := engine.New(s, nil, appConfig.EngineSettings(), nil)
		r, err := eng.Report(cmd.Context(), args[0], threshold)
		if err != nil {
			return err
		}
		return printJSON(cmd, r)
	},
}

func init() {
	reportCmd.Flags().Int("threshold", 0, "Positive runs needed per unit (default: the experiment's threshold)")
}
