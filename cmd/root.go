package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/abhisek/threadlab/internal/config"
	"github.com/abhisek/threadlab/internal/store"
)

// appConfig is loaded once before any subcommand runs.
var appConfig config.Config

var rootCmd = &cobra.Command{
	Use:   "threadlab",
	Short: "Run LLM classification experiments over Reddit threads",
	Long: "threadlab drives repeated LLM classification runs over a labeled sample of\n" +
		"Reddit posts and comments and reports per-label agreement with the ground truth.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := config.SetupLogging(cfg.Log, os.Stderr); err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		appConfig = cfg
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides THREADLAB_DB env var)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file to load before reading the environment")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(attemptsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveDBPath returns the database path using --db flag (highest priority),
// then the configured path, then THREADLAB_DB and the default XDG path.
func resolveDBPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		return p, store.EnsureDir(p)
	}
	if p := appConfig.Store.Path; p != "" {
		return p, store.EnsureDir(p)
	}
	return store.DefaultDBPath()
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	dbPath, err := resolveDBPath(cmd)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}
