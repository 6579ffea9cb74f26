package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abhisek/threadlab/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Upsert users, templates, prompts, units, samples and experiments from JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open seed: %w", err)
		}
		defer f.Close()

		seed, err := store.DecodeSeed(f)
		if err != nil {
			return err
		}

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Import(cmd.Context(), seed); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %d documents:\n", seed.Count())
		fmt.Fprintf(out, "  users            %d\n", len(seed.Users))
		fmt.Fprintf(out, "  label templates  %d\n", len(seed.LabelTemplates))
		fmt.Fprintf(out, "  prompts          %d\n", len(seed.Prompts))
		fmt.Fprintf(out, "  cluster units    %d\n", len(seed.ClusterUnits))
		fmt.Fprintf(out, "  samples          %d\n", len(seed.Samples))
		fmt.Fprintf(out, "  experiments      %d\n", len(seed.Experiments))
		for _, e := range seed.Experiments {
			fmt.Fprintf(out, "    %s  (%s, %d runs/unit)\n", e.ID, e.ModelID, e.RunsPerUnit)
		}
		return nil
	},
}
